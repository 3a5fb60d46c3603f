package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistriesAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.RecordRequest("binance", "/api/v3/klines", "ok")
	a.RecordRequest("binance", "/api/v3/klines", "ok")
	b.RecordRequest("binance", "/api/v3/klines", "ok")

	assert.Equal(t, 2.0, CounterValue(a.RESTRequests, "binance", "/api/v3/klines", "ok"))
	assert.Equal(t, 1.0, CounterValue(b.RESTRequests, "binance", "/api/v3/klines", "ok"))
}

func TestGaugeRoundTrip(t *testing.T) {
	r := New()
	r.SessionState.WithLabelValues("bybit").Set(3)
	assert.Equal(t, 3.0, GaugeValue(r.SessionState, "bybit"))

	r.QualityScore.WithLabelValues("binance", "BTCUSDT", "1m").Set(97.5)
	assert.Equal(t, 97.5, GaugeValue(r.QualityScore, "binance", "BTCUSDT", "1m"))
}

func TestHandlerExposesSeries(t *testing.T) {
	r := New()
	r.RecordRetry("binance", "rate_limited")
	r.QueueDrops.WithLabelValues("trades").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `quantfeed_rest_retries_total{exchange="binance",kind="rate_limited"} 1`)
	assert.Contains(t, body, `quantfeed_queue_drops_total{topic="trades"} 1`)
}
