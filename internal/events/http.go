package events

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"qrnotify/internal/domain"
	"qrnotify/internal/metrics"
	logx "qrnotify/pkg/logx"
)

const maxBody = 1 << 20

// Enqueuer is the part of Pipeline the ingest endpoints need.
type Enqueuer interface {
	Enqueue(ctx context.Context, facts ...domain.TriggerFact) (int, error)
}

// Handler serves POST /v1/events.
type Handler struct {
	sink    Enqueuer
	token   string
	metrics *metrics.Metrics
	log     logx.Logger
}

// NewHandler returns the ingest handler. An empty token disables auth.
func NewHandler(sink Enqueuer, token string, m *metrics.Metrics, log logx.Logger) *Handler {
	return &Handler{
		sink:    sink,
		token:   strings.TrimSpace(token),
		metrics: m,
		log:     log.Named("events.http"),
	}
}

// Mount registers the ingest routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.With(h.auth).Post("/v1/events", h.ingest)
}

type ingestResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		h.metrics.Event("http", "malformed")
		writeJSON(w, http.StatusRequestEntityTooLarge, ingestResponse{Error: "body too large"})
		return
	}
	facts, err := Translate(body)
	if err != nil {
		h.metrics.Event("http", "malformed")
		h.log.Debug("event rejected", logx.Err(err))
		writeJSON(w, http.StatusBadRequest, ingestResponse{Error: err.Error()})
		return
	}

	n, err := h.sink.Enqueue(r.Context(), facts...)
	switch {
	case err == nil:
		h.metrics.Event("http", "accepted")
		writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: n})
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrStopped):
		h.metrics.Event("http", "overloaded")
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, ingestResponse{Accepted: n, Error: err.Error()})
	default:
		h.metrics.Event("http", "error")
		writeJSON(w, http.StatusInternalServerError, ingestResponse{Accepted: n, Error: err.Error()})
	}
}

func (h *Handler) auth(next http.Handler) http.Handler {
	if h.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		got := strings.TrimSpace(strings.TrimPrefix(ah, p))
		if !strings.HasPrefix(ah, p) || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			h.metrics.Event("http", "unauthorized")
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
