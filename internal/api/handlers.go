package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/model"
	"github.com/quantfeed/quantfeed/internal/store"
	"github.com/quantfeed/quantfeed/internal/writer"
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status    string `json:"status"`
	UptimeSec int64  `json:"uptime_sec"`
	Error     string `json:"error,omitempty"`
}

type statusResponse struct {
	Snapshot
	Tasks       map[model.TaskStatus]int64 `json:"tasks,omitempty"`
	DeadLetters []writer.DeadLetter        `json:"dead_letters"`
}

type candlesResponse struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Timeframe model.Timeframe `json:"timeframe"`
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
	Count     int             `json:"count"`
	Candles   []model.Candle  `json:"candles"`
}

type qualityResponse struct {
	Summaries []model.QualitySummary `json:"summaries"`
}

type eventsResponse struct {
	Events []model.CriticalEvent `json:"events"`
}

type eventCreatedResponse struct {
	ID int64 `json:"id"`
}

type deadLettersResponse struct {
	DeadLetters []writer.DeadLetter `json:"dead_letters"`
}

type requeueResponse struct {
	ID       string `json:"id"`
	Requeued bool   `json:"requeued"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int64(time.Since(s.start).Seconds())
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{
				Status:    "degraded",
				UptimeSec: uptime,
				Error:     err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", UptimeSec: uptime})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{DeadLetters: []writer.DeadLetter{}}
	if s.deps.Live != nil {
		resp.Snapshot = s.deps.Live()
	}
	if s.deps.Store != nil {
		counts, err := s.deps.Store.Tasks.CountByStatus(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("status task counts failed")
		} else {
			resp.Tasks = counts
		}
	}
	if s.deps.Letters != nil {
		resp.DeadLetters = s.deps.Letters.Recent()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCandles reads bars for one market. Without an explicit tf the
// query span picks the storage tier, so old history is served from the
// coarser tiers that outlive raw 1m data.
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exchangeName := q.Get("exchange")
	symbol := q.Get("symbol")
	if exchangeName == "" || symbol == "" {
		writeErr(w, http.StatusBadRequest, "exchange and symbol are required")
		return
	}

	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	to := time.Now().UTC()
	if raw := q.Get("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
	}
	if !to.After(from) {
		writeErr(w, http.StatusBadRequest, "to must be after from")
		return
	}

	tf := store.TierFor(to.Sub(from))
	if raw := q.Get("tf"); raw != "" {
		tf, err = model.ParseTimeframe(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if s.deps.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	market, err := s.deps.Store.Markets.Lookup(r.Context(), exchangeName, symbol)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "market lookup failed")
		return
	}
	if market == nil {
		writeErr(w, http.StatusNotFound, "unknown market")
		return
	}

	rows, err := s.deps.Store.Candles.Range(r.Context(), market.ID, tf, from, to)
	if err != nil {
		log.Error().Err(err).Int64("market_id", market.ID).Msg("candle range failed")
		writeErr(w, http.StatusInternalServerError, "candle read failed")
		return
	}
	if rows == nil {
		rows = []model.Candle{}
	}
	writeJSON(w, http.StatusOK, candlesResponse{
		Exchange:  exchangeName,
		Symbol:    symbol,
		Timeframe: tf,
		From:      from,
		To:        to,
		Count:     len(rows),
		Candles:   rows,
	})
}

// handleBook serves the latest book snapshot, preferring the redis
// mirror and falling back to the newest stored snapshot.
func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	exchangeName, symbol := vars["exchange"], vars["symbol"]

	if s.deps.Cache != nil {
		if raw, ok := s.deps.Cache.GetBookSnapshot(r.Context(), exchangeName, symbol); ok {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(raw)
			return
		}
	}

	if s.deps.Store == nil {
		writeErr(w, http.StatusNotFound, "no snapshot for market")
		return
	}
	market, err := s.deps.Store.Markets.Lookup(r.Context(), exchangeName, symbol)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "market lookup failed")
		return
	}
	if market == nil {
		writeErr(w, http.StatusNotFound, "unknown market")
		return
	}
	snap, err := s.deps.Store.Snapshots.Latest(r.Context(), market.ID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "snapshot read failed")
		return
	}
	if snap == nil {
		writeErr(w, http.StatusNotFound, "no snapshot for market")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeErr(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}
	if s.deps.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	rows, err := s.deps.Store.Quality.Recent(r.Context(), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "quality read failed")
		return
	}
	if rows == nil {
		rows = []model.QualitySummary{}
	}
	writeJSON(w, http.StatusOK, qualityResponse{Summaries: rows})
}

// handleEventsList returns critical events overlapping [from, to);
// the window defaults to the trailing 30 days.
func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	q := r.URL.Query()
	to := time.Now().UTC()
	from := to.Add(-30 * 24 * time.Hour)
	var err error
	if raw := q.Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			writeErr(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			writeErr(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
	}
	if !to.After(from) {
		writeErr(w, http.StatusBadRequest, "to must be after from")
		return
	}

	events, err := s.deps.Store.Events.Overlapping(r.Context(), from, to)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "event read failed")
		return
	}
	if events == nil {
		events = []model.CriticalEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

// handleEventsCreate registers a critical event. Rows inside its window
// survive retention while preserve_raw is set.
func (s *Server) handleEventsCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	var ev model.CriticalEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid event body")
		return
	}
	if err := ev.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.deps.Store.Events.Insert(r.Context(), ev)
	if err != nil {
		log.Error().Err(err).Str("name", ev.Name).Msg("event insert failed")
		writeErr(w, http.StatusInternalServerError, "event insert failed")
		return
	}
	log.Info().Int64("event_id", id).Str("name", ev.Name).
		Time("start", ev.StartTime).Time("end", ev.EndTime).
		Bool("preserve_raw", ev.PreserveRaw).Msg("critical event registered")
	writeJSON(w, http.StatusCreated, eventCreatedResponse{ID: id})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, _ *http.Request) {
	resp := deadLettersResponse{DeadLetters: []writer.DeadLetter{}}
	if s.deps.Letters != nil {
		resp.DeadLetters = s.deps.Letters.Recent()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Requeue == nil {
		writeErr(w, http.StatusServiceUnavailable, "requeue unavailable")
		return
	}
	id := mux.Vars(r)["id"]
	if !s.deps.Requeue.Requeue(id) {
		writeErr(w, http.StatusNotFound, "unknown dead letter id")
		return
	}
	writeJSON(w, http.StatusAccepted, requeueResponse{ID: id, Requeued: true})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
