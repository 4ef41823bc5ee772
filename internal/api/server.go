// Package api serves the agent's local status endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"hostagent/internal/domain"
	"hostagent/internal/metrics"
	"hostagent/internal/queue"
	"hostagent/internal/scheduler"
	"hostagent/internal/session"
)

// Agent is the running agent as seen by the status server.
type Agent interface {
	Activities() []domain.Activity
	Session() session.Snapshot
	AuthStatus() session.Status
	PushConnected() bool
	DrainNow(ctx context.Context) int
	ReconcileNow(ctx context.Context) (scheduler.Diff, error)
}

type Server struct {
	r       *chi.Mux
	agent   Agent
	repo    queue.Repository
	metrics *metrics.Metrics
}

func NewServer(agent Agent, repo queue.Repository, m *metrics.Metrics) http.Handler {
	return NewServerWithDebug(agent, repo, m, false)
}

func NewServerWithDebug(agent Agent, repo queue.Repository, m *metrics.Metrics, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, agent: agent, repo: repo, metrics: m}

	r.Get("/health", s.health)
	if reg := m.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Get("/api/activities", s.listActivities)
	r.Get("/api/session", s.getSession)
	r.Get("/api/store", s.getStore)
	r.Post("/api/drain", s.drain)
	r.Post("/api/reconcile", s.reconcile)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type activityResp struct {
	ID       string `json:"id"`
	Service  string `json:"service"`
	Name     string `json:"name"`
	Command  string `json:"command"`
	Interval int    `json:"interval"`
}

func (s *Server) listActivities(w http.ResponseWriter, r *http.Request) {
	acts := s.agent.Activities()
	sort.Slice(acts, func(i, j int) bool { return acts[i].ID < acts[j].ID })
	out := make([]activityResp, 0, len(acts))
	for _, a := range acts {
		out = append(out, activityResp{ID: a.ID, Service: a.ServiceName, Name: a.ActivityName, Command: a.Command, Interval: a.Interval})
	}
	writeJSON(w, http.StatusOK, out)
}

// getSession never exposes the token itself.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	snap := s.agent.Session()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         s.agent.AuthStatus().String(),
		"valid":          snap.Valid,
		"generation":     snap.Generation,
		"agent_id":       snap.AgentID,
		"org_id":         snap.OrgID,
		"category_id":    snap.CategoryID,
		"push_connected": s.agent.PushConnected(),
	})
}

func (s *Server) getStore(w http.ResponseWriter, r *http.Request) {
	pending, err := s.repo.Count(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	erroneous, err := s.repo.CountErroneous(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": pending, "erroneous": erroneous})
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	n := s.agent.DrainNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"drained": n})
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	d, err := s.agent.ReconcileNow(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"added":     len(d.Add),
		"replaced":  len(d.Replace),
		"renamed":   len(d.Rename),
		"removed":   len(d.Remove),
		"unchanged": len(d.Unchanged),
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().Str("component", "api").Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Dur("took", time.Since(start)).Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
