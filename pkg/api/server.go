package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/beaconhq/beacon/pkg/alert"
	"github.com/beaconhq/beacon/pkg/hub"
	"github.com/beaconhq/beacon/pkg/log"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/optimizer"
	"github.com/beaconhq/beacon/pkg/progress"
	"github.com/beaconhq/beacon/pkg/series"
	"github.com/beaconhq/beacon/pkg/store"
	"github.com/beaconhq/beacon/pkg/types"
)

const recentCompletionsCap = 20

// Deps are the read-only handles the API serves from
type Deps struct {
	Gateway   *store.Gateway
	Progress  *progress.Engine
	Metrics   *series.Store
	Alerts    *alert.Engine
	Hub       *hub.Hub
	Optimizer *optimizer.Engine
}

// Server is the thin HTTP read API over the core engines. It owns no domain
// state beyond a short-lived dashboard cache and a ring of recently finished
// tasks.
type Server struct {
	deps   Deps
	router *chi.Mux
	logger zerolog.Logger

	recentMu sync.Mutex
	recent   []*types.TaskEvent

	cacheMu sync.Mutex
	cache   *DashboardData
	cacheAt time.Time

	sub    progress.Subscriber
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewServer builds the router over the given dependencies
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		logger: log.WithComponent("api"),
		stopCh: make(chan struct{}),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins collecting terminal task events for the dashboard's
// recent-completions panel.
func (s *Server) Start() {
	if s.deps.Progress == nil {
		return
	}
	s.sub = s.deps.Progress.Subscribe("")
	s.wg.Add(1)
	go s.collectLoop()
}

// Stop halts the event collector
func (s *Server) Stop() {
	close(s.stopCh)
	if s.sub != nil {
		s.deps.Progress.Unsubscribe(s.sub)
	}
	s.wg.Wait()
}

func (s *Server) collectLoop() {
	defer s.wg.Done()

	for {
		select {
		case event, ok := <-s.sub:
			if !ok {
				return
			}
			switch event.Type {
			case types.EventTaskCompleted, types.EventTaskFailed, types.EventTaskCancelled:
				s.recentMu.Lock()
				s.recent = append([]*types.TaskEvent{event}, s.recent...)
				if len(s.recent) > recentCompletionsCap {
					s.recent = s.recent[:recentCompletionsCap]
				}
				s.recentMu.Unlock()
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) recentCompletions() []*types.TaskEvent {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	out := make([]*types.TaskEvent, len(s.recent))
	copy(out, s.recent)
	return out
}

func (s *Server) routes() {
	s.router.Use(chimw.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/data", s.handleDashboard)
	s.router.Get("/summary", s.handleSummary)
	s.router.Post("/refresh", s.handleRefresh)

	s.router.Get("/tasks/active", s.handleActiveTasks)
	s.router.Get("/tasks/{id}/details", s.handleTaskDetails)

	s.router.Get("/metrics", s.handleMetricsSummary)
	s.router.Get("/metrics/prometheus", metrics.Handler().ServeHTTP)
	s.router.Get("/metrics/{name}", s.handleMetricSeries)
	s.router.Get("/metrics/{name}/history", s.handleMetricHistory)

	s.router.Get("/alerts", s.handleAlerts)
	s.router.Post("/alerts/{id}/acknowledge", s.handleAcknowledge)

	s.router.Get("/optimization/status", s.handleOptimizationStatus)
	s.router.Get("/health", metrics.HealthHandler().ServeHTTP)

	if s.deps.Hub != nil {
		s.router.Get("/ws", s.deps.Hub.HandleWebsocket)
		s.router.Get("/events", s.deps.Hub.HandleSSE)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// The stream endpoints hold their response open; logging them on
		// completion is enough.
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
