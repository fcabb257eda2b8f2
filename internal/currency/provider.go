package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tutor-wallet-backend/internal/logger"
)

// RateProvider returns how many units of quote one unit of base buys.
type RateProvider interface {
	Rate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// HTTPRateProvider reads rates from an exchange rate API answering
// GET /latest?base=USD&symbols=NGN with {"base":"USD","rates":{"NGN":1550.2}}.
type HTTPRateProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPRateProvider(baseURL, apiKey string, timeout time.Duration) *HTTPRateProvider {
	return &HTTPRateProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

type latestRates struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (p *HTTPRateProvider) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	logger.ExternalServiceCall("fx_provider", "Rate", "base", base, "quote", quote)

	u, err := url.Parse(p.BaseURL + "/latest")
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid fx base URL: %w", err)
	}
	q := u.Query()
	q.Set("base", base)
	q.Set("symbols", quote)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		logger.ExternalServiceResult("fx_provider", "Rate", err)
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		logger.ExternalServiceResult("fx_provider", "Rate", err)
		return decimal.Zero, err
	}

	var body latestRates
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		err = fmt.Errorf("error decoding response body: %w", err)
		logger.ExternalServiceResult("fx_provider", "Rate", err)
		return decimal.Zero, err
	}
	rate, ok := body.Rates[quote]
	if !ok || !rate.IsPositive() {
		logger.ExternalServiceResult("fx_provider", "Rate", ErrNoExchangeRate, "base", base, "quote", quote)
		return decimal.Zero, NewCurrencyError(ErrNoExchangeRate, base, quote)
	}

	logger.ExternalServiceResult("fx_provider", "Rate", nil, "base", base, "quote", quote, "rate", rate.String())
	return rate, nil
}
