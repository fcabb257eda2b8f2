package currency

import (
	"errors"
	"fmt"
)

var ErrNoExchangeRate = errors.New("could not retrieve exchange rate")

// CurrencyError names the currency pair a lookup failed for.
type CurrencyError struct {
	Err           error
	BaseCurrency  string
	QuoteCurrency string
}

func NewCurrencyError(err error, base, quote string) *CurrencyError {
	return &CurrencyError{Err: err, BaseCurrency: base, QuoteCurrency: quote}
}

func (e *CurrencyError) Error() string {
	return fmt.Sprintf("%v: %s to %s", e.Err, e.BaseCurrency, e.QuoteCurrency)
}

func (e *CurrencyError) Unwrap() error { return e.Err }
