package okx

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

// ErrRateLimited is returned when the venue sheds load (HTTP 429 or the
// equivalent business code). Callers back off and retry.
var ErrRateLimited = errors.New("okx: rate limited")

// ErrUnavailable covers transport failures and 5xx responses. Transient;
// callers back off and retry within their budget.
var ErrUnavailable = errors.New("okx: venue unavailable")

// APIError is a permanent business error from the venue (bad parameter,
// insufficient margin, unknown order). Not retryable.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx: api error %s: %s", e.Code, e.Message)
}

// orderNotFoundCode is returned by order queries for ids the venue no
// longer knows (expired from the open-orders window or never placed).
const orderNotFoundCode = "51603"

// IsNotFound reports whether err means the venue does not know the order.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == orderNotFoundCode
}

// IsTransient reports whether the error is worth a backoff-and-retry:
// rate limits, transport failures, an open circuit breaker, or a tick
// deadline that expired mid-call.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
