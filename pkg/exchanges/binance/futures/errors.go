package futures

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Binance futures error codes that make a submission structurally invalid for
// current market conditions. Retrying the same request cannot succeed.
const (
	codePrecisionOverMax = -1111 // quantity/price precision exceeds symbol rules
	codeRateLimited      = -1003 // too many requests
	codeUnableToFill     = -2020 // order would not fill (e.g. FOK/market depth)
	codePriceProtection  = -4131 // counterparty price violates PERCENT_PRICE
)

// APIError is a non-2xx response from the exchange, carrying the Binance
// error code and, for rate limits, the server-provided retry hint.
type APIError struct {
	Status     int
	Code       int
	Msg        string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance futures status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// newAPIError decodes the error body ({"code":-1111,"msg":"..."}) when present.
func newAPIError(res *http.Response, body []byte) *APIError {
	apiErr := &APIError{Status: res.StatusCode, Msg: string(body)}
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != 0 {
		apiErr.Code = payload.Code
		apiErr.Msg = payload.Msg
	}
	if ra := res.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// IsTerminal reports whether the error marks the request itself as invalid
// for current market conditions. Such attempts must not be retried.
func IsTerminal(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case codePrecisionOverMax, codeUnableToFill, codePriceProtection:
		return true
	}
	return false
}

// IsRateLimited reports whether the exchange asked us to slow down, returning
// the wait the server suggested (zero when it gave none).
func IsRateLimited(err error) (time.Duration, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return 0, false
	}
	if apiErr.Code == codeRateLimited || apiErr.Status == http.StatusTooManyRequests || apiErr.Status == 418 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}
