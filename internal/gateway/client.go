package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
)

const serviceName = "transfer_gateway"

// ErrUnexpectedResponse is returned for answers that say nothing about the
// fate of a transfer (5xx, unreadable bodies). Callers must treat the
// transfer as unknown and retry.
var ErrUnexpectedResponse = errors.New("unexpected gateway response")

// Client talks to the bank transfer provider over its JSON API.
type Client struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) makeRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	return c.Client.Do(req)
}

// InitiateTransfer asks the provider to pay req.Amount to the bank account.
// The provider de-duplicates on req.Reference, so a retry after a lost
// answer does not pay twice.
//
// A refusal (an envelope with status false, or a 4xx) comes back as a result
// with Success unset. Transport failures and 5xx answers are errors.
func (c *Client) InitiateTransfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	logger.ExternalServiceCall(serviceName, "InitiateTransfer", "reference", req.Reference, "amount", req.Amount.String(), "currency", req.Currency)

	resp, err := c.makeRequest(ctx, http.MethodPost, "/transfers", transferRequest{
		BankCode:        req.BankCode,
		AccountNumber:   req.AccountNumber,
		AccountName:     req.AccountName,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Reference:       req.Reference,
		BeneficiaryName: req.BeneficiaryName,
		Narration:       req.Narration,
	})
	if err != nil {
		logger.ExternalServiceResult(serviceName, "InitiateTransfer", err, "reference", req.Reference)
		return nil, err
	}
	defer resp.Body.Close()

	envelope, err := decode[transferData](resp)
	if err != nil {
		logger.ExternalServiceResult(serviceName, "InitiateTransfer", err, "reference", req.Reference)
		return nil, err
	}

	result := &domain.TransferResult{Success: envelope.Status, Message: envelope.Message}
	if envelope.Status && envelope.Data.ID != "" {
		result.Transfer = envelope.Data.toDomain()
	}
	logger.ExternalServiceResult(serviceName, "InitiateTransfer", nil,
		"reference", req.Reference, "success", result.Success, "message", result.Message)
	return result, nil
}

// GetTransferStatus fetches the current state of an accepted transfer.
func (c *Client) GetTransferStatus(ctx context.Context, transferID string) (*domain.Transfer, error) {
	logger.ExternalServiceCall(serviceName, "GetTransferStatus", "transferID", transferID)

	resp, err := c.makeRequest(ctx, http.MethodGet, "/transfers/"+url.PathEscape(transferID), nil)
	if err != nil {
		logger.ExternalServiceResult(serviceName, "GetTransferStatus", err, "transferID", transferID)
		return nil, err
	}
	defer resp.Body.Close()

	envelope, err := decode[transferData](resp)
	if err == nil && !envelope.Status {
		err = fmt.Errorf("%w: %s", ErrUnexpectedResponse, envelope.Message)
	}
	if err != nil {
		logger.ExternalServiceResult(serviceName, "GetTransferStatus", err, "transferID", transferID)
		return nil, err
	}

	t := envelope.Data.toDomain()
	if t.ID == "" {
		t.ID = transferID
	}
	logger.ExternalServiceResult(serviceName, "GetTransferStatus", nil, "transferID", transferID, "status", t.Status)
	return t, nil
}

// FindTransferByReference looks a transfer up by the payout reference. It
// returns domain.ErrTransferNotFound only when the provider answers 404, i.e.
// it has never seen the reference.
func (c *Client) FindTransferByReference(ctx context.Context, reference string) (*domain.Transfer, error) {
	logger.ExternalServiceCall(serviceName, "FindTransferByReference", "reference", reference)

	resp, err := c.makeRequest(ctx, http.MethodGet, "/transfers/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		logger.ExternalServiceResult(serviceName, "FindTransferByReference", err, "reference", reference)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		logger.ExternalServiceResult(serviceName, "FindTransferByReference", nil, "reference", reference, "found", false)
		return nil, domain.ErrTransferNotFound
	}

	envelope, err := decode[transferData](resp)
	if err == nil && (!envelope.Status || envelope.Data.ID == "") {
		err = fmt.Errorf("%w: %s", ErrUnexpectedResponse, envelope.Message)
	}
	if err != nil {
		logger.ExternalServiceResult(serviceName, "FindTransferByReference", err, "reference", reference)
		return nil, err
	}

	t := envelope.Data.toDomain()
	logger.ExternalServiceResult(serviceName, "FindTransferByReference", nil, "reference", reference, "transferID", t.ID, "status", t.Status)
	return t, nil
}

// decode reads the envelope of a 2xx or 4xx answer. A 4xx without a readable
// envelope, a retryable 4xx, or any other status code is ErrUnexpectedResponse.
func decode[T any](resp *http.Response) (*Response[T], error) {
	clientError := resp.StatusCode >= 400 && resp.StatusCode < 500 && !retryable(resp.StatusCode)
	if resp.StatusCode/100 != 2 && !clientError {
		return nil, fmt.Errorf("%w: status code %d", ErrUnexpectedResponse, resp.StatusCode)
	}

	var envelope Response[T]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: error decoding response body (status %d): %v", ErrUnexpectedResponse, resp.StatusCode, err)
	}
	if clientError {
		envelope.Status = false
		if envelope.Message == "" {
			envelope.Message = http.StatusText(resp.StatusCode)
		}
	}
	return &envelope, nil
}

// retryable reports client errors that say nothing about the transfer itself.
// 409 is a reference the provider is still working on.
func retryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return false
}

func (d transferData) toDomain() *domain.Transfer {
	return &domain.Transfer{
		ID:     d.ID,
		Fee:    d.Fee,
		Status: domain.TransferState(strings.ToLower(d.Status)),
	}
}
