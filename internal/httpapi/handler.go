// Package httpapi exposes the dispatch service over a small JSON API.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wadispatch/internal/dispatch"
	"wadispatch/internal/domain"
	"wadispatch/internal/recurrence"
	"wadispatch/internal/service"
	"wadispatch/internal/storage"
	logx "wadispatch/pkg/logx"
)

type Service interface {
	Schedule(ctx context.Context, sel domain.Selection, iv domain.Interval) (*dispatch.Result, error)
	Cancel() error
	Status(ctx context.Context) (service.Status, error)
	Contacts(ctx context.Context) ([]domain.Contact, error)
	Groups(ctx context.Context) ([]service.GroupView, error)
	RecentRuns(ctx context.Context, limit int) ([]storage.RunRecord, error)
}

type ScheduleRequest struct {
	Kind     string `json:"kind"` // "friend" or "group"
	ID       int64  `json:"id"`
	Interval string `json:"interval"` // now, daily, weekly, monthly
}

type errorBody struct {
	Error string `json:"error"`
}

// NewHandler builds the router. A non-empty token guards /api with a bearer
// check; /healthz is always open. pprof is mounted at /debug when enabled.
func NewHandler(svc Service, token string, pprof bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{svc: svc, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLog(log), middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Get("/contacts", h.contacts)
		r.Get("/groups", h.groups)
		r.Get("/schedule", h.status)
		r.Post("/schedule", h.schedule)
		r.Delete("/schedule", h.cancel)
		r.Get("/runs", h.runs)
	})
	if pprof {
		r.With(bearerAuth(token)).Mount("/debug", middleware.Profiler())
	}
	return r
}

type handler struct {
	svc Service
	log logx.Logger
}

func (h *handler) contacts(w http.ResponseWriter, r *http.Request) {
	cs, err := h.svc.Contacts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *handler) groups(w http.ResponseWriter, r *http.Request) {
	gs, err := h.svc.Groups(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// schedule blocks for the whole run when the interval is "now".
func (h *handler) schedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	sel, err := domain.ParseSelection(req.Kind, req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	iv, err := domain.ParseInterval(req.Interval)
	if err != nil {
		writeError(w, err)
		return
	}

	// sends cannot be taken back, so a client that goes away must not stop
	// the batch halfway
	res, err := h.svc.Schedule(context.WithoutCancel(r.Context()), sel, iv)
	if err != nil && (res == nil || res.Total == 0) {
		writeError(w, err)
		return
	}
	if iv == domain.Immediate {
		// a partial run still reports its items; res.Error carries the cause
		writeJSON(w, http.StatusOK, res)
		return
	}
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) runs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be 1..500"})
			return
		}
		limit = n
	}
	runs, err := h.svc.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSelection), errors.Is(err, domain.ErrUnknownInterval):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrContactNotFound), errors.Is(err, domain.ErrGroupNotFound), errors.Is(err, recurrence.ErrNotScheduled):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("dur", time.Since(start)),
				logx.String("rid", middleware.GetReqID(r.Context())),
			}
			if ww.Status() >= 500 {
				log.Warn("http request failed", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}
