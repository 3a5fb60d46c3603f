// Package httpx is the guarded door for venue REST calls. Every call
// acquires the venue rate limiter, runs inside the venue circuit
// breaker, and is retried by error classification: network, timeout,
// and 5xx failures back off exponentially against the attempt budget;
// a rate-limit response with an explicit Retry-After sleeps exactly
// that long without consuming budget; venue rejections and parse
// failures abort immediately. Exhausted and non-retryable failures are
// recorded through the error sink.
package httpx

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/model"
)

// ErrorSink records exhausted or non-retryable API failures. The
// postgres error-log repo implements it; a nil sink drops them.
type ErrorSink interface {
	LogAPIError(ctx context.Context, e model.APIErrorLog)
}

// Gate is the rate-limiter surface the door acquires before each try.
type Gate interface {
	Acquire(ctx context.Context) (func(), error)
}

// Policy bounds the retry loop.
type Policy struct {
	Attempts   int
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Backoff returns the delay before retry number attempt (0-based):
// base·multiplier^attempt capped at Max, with ±20% jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.Max); p.Max > 0 && d > max {
		d = max
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(d * jitter)
}

// Door guards all REST calls to one exchange.
type Door struct {
	exchange string
	policy   Policy
	gate     Gate
	breaker  *gobreaker.CircuitBreaker
	sink     ErrorSink

	// OnBackoff is called before every retry sleep (metrics hook).
	OnBackoff func(kind exchange.ErrorKind, delay time.Duration)
}

// NewDoor builds the door with the venue breaker. Venue rejections and
// parse failures do not trip the breaker: the venue answered, it is not
// down.
func NewDoor(exchangeName string, policy Policy, gate Gate, sink ErrorSink) *Door {
	settings := gobreaker.Settings{
		Name:        exchangeName,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("exchange", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *exchange.APIError
			if errors.As(err, &apiErr) {
				return apiErr.Kind == exchange.KindExchange || apiErr.Kind == exchange.KindParse
			}
			return false
		},
	}
	return &Door{
		exchange: exchangeName,
		policy:   policy,
		gate:     gate,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		sink:     sink,
	}
}

// BreakerState returns the breaker state for the status surface.
func (d *Door) BreakerState() string { return d.breaker.State().String() }

// Do runs fn until success, budget exhaustion, or a non-retryable
// failure. fn performs exactly one venue call.
func (d *Door) Do(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	attempt := 0
	for {
		err := d.once(ctx, fn)
		if err == nil {
			return nil
		}

		apiErr := d.classify(endpoint, err)

		if !apiErr.Retryable() {
			d.logFailure(ctx, apiErr)
			return apiErr
		}

		var delay time.Duration
		if !apiErr.CountsAgainstBudget() {
			delay = apiErr.RetryAfter
		} else {
			if attempt+1 >= d.policy.Attempts {
				d.logFailure(ctx, apiErr)
				return apiErr
			}
			delay = d.policy.Backoff(attempt)
			attempt++
		}

		if d.OnBackoff != nil {
			d.OnBackoff(apiErr.Kind, delay)
		}
		log.Debug().
			Str("exchange", d.exchange).
			Str("endpoint", endpoint).
			Str("kind", string(apiErr.Kind)).
			Dur("delay", delay).
			Int("attempt", attempt).
			Msg("retrying venue call")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Door) once(ctx context.Context, fn func(context.Context) error) error {
	if d.gate != nil {
		release, err := d.gate.Acquire(ctx)
		if err != nil {
			return err
		}
		defer release()
	}
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

func (d *Door) classify(endpoint string, err error) *exchange.APIError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &exchange.APIError{Kind: exchange.KindNetwork, Endpoint: endpoint, Err: err}
	}
	return exchange.AsAPIError(endpoint, err)
}

func (d *Door) logFailure(ctx context.Context, apiErr *exchange.APIError) {
	log.Warn().
		Str("exchange", d.exchange).
		Str("endpoint", apiErr.Endpoint).
		Str("kind", string(apiErr.Kind)).
		Str("code", apiErr.Code).
		Err(apiErr).
		Msg("venue call failed")

	if d.sink == nil {
		return
	}
	msg := apiErr.Msg
	if msg == "" && apiErr.Err != nil {
		msg = apiErr.Err.Error()
	}
	d.sink.LogAPIError(ctx, model.APIErrorLog{
		Exchange: d.exchange,
		Endpoint: apiErr.Endpoint,
		Kind:     string(apiErr.Kind),
		Code:     apiErr.Code,
		Message:  msg,
		Time:     time.Now().UTC(),
	})
}
