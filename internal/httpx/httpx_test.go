package httpx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/model"
)

type captureSink struct {
	entries []model.APIErrorLog
}

func (s *captureSink) LogAPIError(_ context.Context, e model.APIErrorLog) {
	s.entries = append(s.entries, e)
}

type countingGate struct {
	acquired int
	released int
}

func (g *countingGate) Acquire(context.Context) (func(), error) {
	g.acquired++
	return func() { g.released++ }, nil
}

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	gate := &countingGate{}
	door := NewDoor("binance", fastPolicy(5), gate, nil)

	calls := 0
	err := door.Do(context.Background(), "/api/v3/klines", func(context.Context) error {
		calls++
		if calls < 3 {
			return &exchange.APIError{Kind: exchange.KindNetwork, Endpoint: "/api/v3/klines", Err: errors.New("connection reset")}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, gate.acquired)
	assert.Equal(t, gate.acquired, gate.released)
}

func TestDoRetryAfterDoesNotConsumeBudget(t *testing.T) {
	door := NewDoor("bybit", fastPolicy(1), &countingGate{}, nil)

	calls := 0
	err := door.Do(context.Background(), "/v5/market/kline", func(context.Context) error {
		calls++
		if calls <= 3 {
			return &exchange.APIError{
				Kind:       exchange.KindRateLimited,
				Status:     429,
				Endpoint:   "/v5/market/kline",
				RetryAfter: time.Millisecond,
			}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls, "rate-limit waits with Retry-After must not count as attempts")
}

func TestDoVenueRejectionAbortsAndLogs(t *testing.T) {
	sink := &captureSink{}
	door := NewDoor("binance", fastPolicy(5), nil, sink)

	calls := 0
	err := door.Do(context.Background(), "/api/v3/klines", func(context.Context) error {
		calls++
		return &exchange.APIError{
			Kind:     exchange.KindExchange,
			Status:   400,
			Code:     "-1121",
			Endpoint: "/api/v3/klines",
			Msg:      "Invalid symbol.",
		}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var apiErr *exchange.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, exchange.KindExchange, apiErr.Kind)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, "binance", sink.entries[0].Exchange)
	assert.Equal(t, "exchange", sink.entries[0].Kind)
	assert.Equal(t, "-1121", sink.entries[0].Code)
	assert.Equal(t, "Invalid symbol.", sink.entries[0].Message)
}

func TestDoExhaustsBudget(t *testing.T) {
	sink := &captureSink{}
	door := NewDoor("binance", fastPolicy(3), nil, sink)

	var kinds []exchange.ErrorKind
	door.OnBackoff = func(kind exchange.ErrorKind, _ time.Duration) {
		kinds = append(kinds, kind)
	}

	calls := 0
	err := door.Do(context.Background(), "/api/v3/depth", func(context.Context) error {
		calls++
		return &exchange.APIError{Kind: exchange.KindServer, Status: 503, Endpoint: "/api/v3/depth"}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, kinds, 2, "two backoffs between three attempts")
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "server", sink.entries[0].Kind)
}

func TestDoOpenBreakerIsRetryable(t *testing.T) {
	door := NewDoor("bybit", fastPolicy(2), nil, nil)

	// Five consecutive counted failures trip the breaker.
	for i := 0; i < 3; i++ {
		_ = door.Do(context.Background(), "/v5/market/tickers", func(context.Context) error {
			return &exchange.APIError{Kind: exchange.KindNetwork, Endpoint: "/v5/market/tickers", Err: errors.New("dial tcp: timeout")}
		})
	}
	require.Equal(t, "open", door.BreakerState())

	calls := 0
	err := door.Do(context.Background(), "/v5/market/tickers", func(context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.Zero(t, calls, "open breaker short-circuits before fn runs")

	var apiErr *exchange.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, exchange.KindNetwork, apiErr.Kind)
	assert.True(t, apiErr.Retryable())
}

func TestDoVenueErrorsDoNotTripBreaker(t *testing.T) {
	door := NewDoor("binance", fastPolicy(1), nil, nil)

	for i := 0; i < 10; i++ {
		_ = door.Do(context.Background(), "/api/v3/klines", func(context.Context) error {
			return &exchange.APIError{Kind: exchange.KindExchange, Status: 400, Endpoint: "/api/v3/klines"}
		})
	}
	assert.Equal(t, "closed", door.BreakerState())
}

func TestDoContextCancelledDuringBackoff(t *testing.T) {
	door := NewDoor("binance", Policy{Attempts: 5, Base: time.Hour, Max: time.Hour, Multiplier: 1}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := door.Do(ctx, "/api/v3/klines", func(context.Context) error {
		return &exchange.APIError{Kind: exchange.KindTimeout, Endpoint: "/api/v3/klines"}
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPolicyBackoff(t *testing.T) {
	p := Policy{Attempts: 5, Base: 100 * time.Millisecond, Max: 400 * time.Millisecond, Multiplier: 2}

	for attempt, want := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond, // capped
	} {
		got := p.Backoff(attempt)
		assert.GreaterOrEqual(t, got, time.Duration(float64(want)*0.8), "attempt %d", attempt)
		assert.LessOrEqual(t, got, time.Duration(float64(want)*1.2), "attempt %d", attempt)
	}
}
