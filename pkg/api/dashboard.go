package api

import (
	"context"
	"net/http"
	"time"

	"github.com/beaconhq/beacon/pkg/hub"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/series"
	"github.com/beaconhq/beacon/pkg/types"
)

const dashboardCacheTTL = 5 * time.Second

// Summary is the executive roll-up at the top of the dashboard
type Summary struct {
	ActiveTasks    int     `json:"active_tasks"`
	ActiveAlerts   int     `json:"active_alerts"`
	CriticalAlerts int     `json:"critical_alerts"`
	Connections    int     `json:"connections"`
	StoreStatus    string  `json:"store_status"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// DashboardData is the composite payload behind GET /data
type DashboardData struct {
	GeneratedAt       time.Time                       `json:"generated_at"`
	Summary           Summary                         `json:"summary"`
	ActiveTasks       []*types.Task                   `json:"active_tasks"`
	RecentCompletions []*types.TaskEvent              `json:"recent_completions"`
	Metrics           map[string]series.SeriesSummary `json:"metrics"`
	Alerts            []*types.Alert                  `json:"alerts"`
	Hub               hub.Stats                       `json:"hub"`
	Health            metrics.HealthStatus            `json:"health"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	s.cacheMu.Lock()
	if s.cache != nil && time.Since(s.cacheAt) < dashboardCacheTTL {
		cached := s.cache
		s.cacheMu.Unlock()
		writeJSON(w, http.StatusOK, cached)
		return
	}
	s.cacheMu.Unlock()

	data, err := s.buildDashboard(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.cacheMu.Lock()
	s.cache = data
	s.cacheAt = time.Now()
	s.cacheMu.Unlock()

	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.buildSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.cacheMu.Lock()
	s.cache = nil
	s.cacheMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) buildDashboard(ctx context.Context) (*DashboardData, error) {
	tasks, err := s.deps.Progress.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}

	summary, err := s.buildSummary(ctx)
	if err != nil {
		return nil, err
	}
	summary.ActiveTasks = len(tasks)

	data := &DashboardData{
		GeneratedAt:       time.Now().UTC(),
		Summary:           summary,
		ActiveTasks:       tasks,
		RecentCompletions: s.recentCompletions(),
		Metrics:           s.deps.Metrics.Summary(),
		Alerts:            s.deps.Alerts.ListActive(),
		Health:            metrics.GetHealth(),
	}
	if s.deps.Hub != nil {
		data.Hub = s.deps.Hub.Snapshot()
	}
	return data, nil
}

func (s *Server) buildSummary(ctx context.Context) (Summary, error) {
	active, err := s.deps.Progress.ActiveCount(ctx)
	if err != nil {
		return Summary{}, err
	}

	alerts := s.deps.Alerts.ListActive()
	critical := 0
	for _, a := range alerts {
		if a.Severity == types.SeverityCritical {
			critical++
		}
	}

	summary := Summary{
		ActiveTasks:    active,
		ActiveAlerts:   len(alerts),
		CriticalAlerts: critical,
		StoreStatus:    string(s.deps.Gateway.HealthCheck(ctx).Status),
		UptimeSeconds:  metrics.Uptime().Seconds(),
	}
	if s.deps.Hub != nil {
		summary.Connections = s.deps.Hub.ConnectionCount()
	}
	return summary, nil
}
