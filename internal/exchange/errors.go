package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies an API failure for the retry layer.
type ErrorKind string

const (
	// KindNetwork covers dial, reset, and transport failures.
	KindNetwork ErrorKind = "network"
	// KindTimeout covers deadline and venue timeout responses.
	KindTimeout ErrorKind = "timeout"
	// KindRateLimited is HTTP 429 or a venue rate-limit code.
	KindRateLimited ErrorKind = "rate_limited"
	// KindExchange is a venue rejection: 4xx other than 429, or a venue
	// error payload (bad symbol, bad interval). Never retried.
	KindExchange ErrorKind = "exchange"
	// KindParse is an unparseable response body. Never retried.
	KindParse ErrorKind = "parse"
	// KindServer is HTTP 5xx.
	KindServer ErrorKind = "server"
)

// APIError is the classified form of one failed venue call.
type APIError struct {
	Kind       ErrorKind
	Status     int    // HTTP status, 0 when the request never completed
	Code       string // venue error code when the payload carried one
	Endpoint   string
	Msg        string
	RetryAfter time.Duration // from Retry-After, 0 when absent
	Err        error
}

func (e *APIError) Error() string {
	s := fmt.Sprintf("%s %s", e.Endpoint, e.Kind)
	if e.Status != 0 {
		s += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Code != "" {
		s += fmt.Sprintf(" code=%s", e.Code)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt can succeed.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer, KindRateLimited:
		return true
	}
	return false
}

// CountsAgainstBudget reports whether the attempt consumes the retry
// budget. A rate-limit response with an explicit Retry-After does not:
// the venue told us exactly when to come back.
func (e *APIError) CountsAgainstBudget() bool {
	return !(e.Kind == KindRateLimited && e.RetryAfter > 0)
}

// AsAPIError unwraps err to an *APIError, classifying transport-level
// errors that never produced a response.
func AsAPIError(endpoint string, err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	kind := KindNetwork
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &nerr) && nerr.Timeout():
		kind = KindTimeout
	}
	return &APIError{Kind: kind, Endpoint: endpoint, Err: err}
}

// ClassifyStatus builds an APIError from an HTTP response status. The
// caller adds venue codes and messages afterwards when the body carried
// them.
func ClassifyStatus(endpoint string, status int, header http.Header) *APIError {
	e := &APIError{Status: status, Endpoint: endpoint}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(header)
	case status >= 500:
		e.Kind = KindServer
	case status >= 400:
		e.Kind = KindExchange
	default:
		e.Kind = KindNetwork
	}
	return e
}

// NewParseError wraps a response-decoding failure.
func NewParseError(endpoint string, err error) *APIError {
	return &APIError{Kind: KindParse, Endpoint: endpoint, Err: err}
}

func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
