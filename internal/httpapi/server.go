// Package httpapi exposes the generation queue over HTTP for the progress UI.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohans/genqueue/genqueue"
	"github.com/rs/cors"
)

// OwnerHeader carries the authenticated user id, set by the upstream auth proxy.
const OwnerHeader = "X-Owner-ID"

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	PollInterval time.Duration
	PollJitter   time.Duration
	Checks       map[string]HealthCheck
}

type Server struct {
	logger  *slog.Logger
	gateway *genqueue.Gateway
	worker  *genqueue.Worker
	starter genqueue.Starter
	opts    Options
}

func NewServer(logger *slog.Logger, gateway *genqueue.Gateway, worker *genqueue.Worker, starter genqueue.Starter, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger, gateway: gateway, worker: worker, starter: starter, opts: opts}
}

// Handler returns the routes of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/generation-jobs", s.withOwner(s.handleEnqueue))
	mux.HandleFunc("GET /v1/generation-jobs", s.withOwner(s.handleStatus))
	mux.HandleFunc("DELETE /v1/generation-jobs", s.withOwner(s.handleCancel))
	mux.HandleFunc("DELETE /v1/generation-jobs/{id}", s.withOwner(s.handleCancel))
	mux.HandleFunc("POST /v1/generation-jobs/{id}/advance", s.withOwner(s.handleAdvance))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// WithCORS wraps h for browser clients served from origins.
func WithCORS(h http.Handler, origins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", OwnerHeader},
		AllowCredentials: true,
	})
	return c.Handler(h)
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, owner string)

func (s *Server) withOwner(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + OwnerHeader + " header"})
			return
		}
		next(w, r, owner)
	}
}

type enqueueRequest struct {
	Items []genqueue.BatchRequest `json:"items"`
}

type createdItem struct {
	ID     string `json:"id"`
	Target int    `json:"target"`
}

type enqueueResponse struct {
	Items []createdItem `json:"items"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, owner string) {
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	items, err := s.gateway.Enqueue(r.Context(), owner, req.Items)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := enqueueResponse{Items: make([]createdItem, 0, len(items))}
	for _, it := range items {
		resp.Items = append(resp.Items, createdItem{ID: it.ID, Target: it.Target})
	}
	writeJSON(w, http.StatusCreated, resp)
}

type itemView struct {
	ID          string                  `json:"id"`
	Status      genqueue.Status         `json:"status"`
	Target      int                     `json:"target"`
	Done        int                     `json:"done"`
	Errors      int                     `json:"errors"`
	Spec        genqueue.GenerationSpec `json:"spec"`
	CreatedAt   time.Time               `json:"created_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

type statusResponse struct {
	Items       []itemView                 `json:"items"`
	Progress    genqueue.AggregateProgress `json:"progress"`
	PollAfterMS int64                      `json:"poll_after_ms"`
}

// handleStatus is polled by the progress UI. Observing active work is what
// starts a worker run for the owner.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, owner string) {
	st, err := s.gateway.Status(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(st.Items) > 0 && s.starter != nil {
		if err := s.starter.Start(r.Context(), owner); err != nil {
			s.logger.Warn("failed to start worker", "owner", owner, "error", err)
		}
	}
	resp := statusResponse{
		Items:       make([]itemView, 0, len(st.Items)),
		Progress:    st.Progress,
		PollAfterMS: genqueue.Jittered(s.opts.PollInterval, s.opts.PollJitter).Milliseconds(),
	}
	for _, it := range st.Items {
		resp.Items = append(resp.Items, itemView{
			ID:          it.ID,
			Status:      it.Status,
			Target:      it.Target,
			Done:        it.Done,
			Errors:      it.Errors,
			Spec:        it.Spec,
			CreatedAt:   it.CreatedAt,
			CompletedAt: it.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, owner string) {
	n, err := s.gateway.Cancel(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request, owner string) {
	res, err := s.worker.Advance(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	body := map[string]string{}
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body[name] = err.Error()
			continue
		}
		body[name] = "ok"
	}
	writeJSON(w, status, body)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, genqueue.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, genqueue.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, genqueue.ErrRunInProgress), errors.Is(err, genqueue.ErrLeaseHeld):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
