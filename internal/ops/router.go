package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mailbot/internal/eventbus"
	rtsup "mailbot/internal/runtime/supervisor"
	"mailbot/internal/storage"
	logx "mailbot/pkg/logx"
)

type Store interface {
	Ping(ctx context.Context) error
	UserStats(ctx context.Context, now time.Time) (storage.UserStats, error)
	RecentMailings(ctx context.Context, limit int) ([]storage.Mailing, error)
	GetMailing(ctx context.Context, id int64) (storage.Mailing, error)
	ListScheduled(ctx context.Context, limit int) ([]storage.ScheduledMailing, error)
	GetScheduled(ctx context.Context, id int64) (storage.ScheduledMailing, error)
}

// Sources is everything the endpoints read from. Events and Supervisors are
// optional.
type Sources struct {
	Store       Store
	Events      *eventbus.Recent
	Supervisors func() map[string]rtsup.Snapshot
	Now         func() time.Time
}

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// NewRouter builds the ops HTTP handler.
func NewRouter(src Sources, cfg Config, log logx.Logger) http.Handler {
	if src.Now == nil {
		src.Now = time.Now
	}
	h := &handlers{src: src, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))
	r.Use(bearerAuth(cfg.Token))

	r.Get("/healthz", h.health)
	r.Get("/stats", h.stats)
	r.Get("/mailings", h.mailings)
	r.Get("/mailings/{id}", h.mailing)
	r.Get("/scheduled", h.scheduledList)
	r.Get("/scheduled/{id}", h.scheduled)
	r.Get("/events", h.events)
	r.Get("/runtime", h.runtime)
	if cfg.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

type handlers struct {
	src Sources
	log logx.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.src.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.src.Store.UserStats(r.Context(), h.src.Now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) mailings(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.src.Store.RecentMailings(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

func (h *handlers) mailing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := h.src.Store.GetMailing(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handlers) scheduledList(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.src.Store.ListScheduled(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if st := strings.TrimSpace(r.URL.Query().Get("status")); st != "" {
		kept := rows[:0]
		for _, row := range rows {
			if string(row.Status) == st {
				kept = append(kept, row)
			}
		}
		rows = kept
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

func (h *handlers) scheduled(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := h.src.Store.GetScheduled(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	if h.src.Events == nil {
		writeJSON(w, http.StatusOK, []eventbus.Event{})
		return
	}
	writeJSON(w, http.StatusOK, nonNil(h.src.Events.List()))
}

func (h *handlers) runtime(w http.ResponseWriter, r *http.Request) {
	out := map[string]rtsup.Snapshot{}
	if h.src.Supervisors != nil {
		out = h.src.Supervisors()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.log.Warn("ops request failed",
		logx.String("path", r.URL.Path),
		logx.String("req_id", middleware.GetReqID(r.Context())),
		logx.Err(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func listLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("ops request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("dur", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}
