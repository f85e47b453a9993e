package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/beaconhq/beacon/pkg/alert"
	"github.com/beaconhq/beacon/pkg/series"
	"github.com/beaconhq/beacon/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Progress.ActiveTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleTaskDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, found, err := s.deps.Progress.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "task not found: "+id)
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	timeline, err := s.deps.Progress.GetTimeline(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":     task,
		"timeline": timeline,
	})
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": s.deps.Metrics.Summary(),
	})
}

// seriesAggregation is the single-series response shape. Absent aggregates
// (empty window) are null, never zero.
type seriesAggregation struct {
	Name          string   `json:"name"`
	WindowSeconds int      `json:"window_seconds"`
	Count         float64  `json:"count"`
	Avg           *float64 `json:"avg"`
	Min           *float64 `json:"min"`
	Max           *float64 `json:"max"`
	P95           *float64 `json:"p95"`
}

func (s *Server) handleMetricSeries(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	windowSeconds := queryInt(r, "time_window", 300)
	if windowSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "time_window must be positive")
		return
	}
	window := time.Duration(windowSeconds) * time.Second

	out := seriesAggregation{Name: name, WindowSeconds: windowSeconds}
	if count, ok := s.deps.Metrics.Aggregate(name, series.AggCount, window); ok {
		out.Count = count
		out.Avg = aggregate(s.deps.Metrics, name, series.AggAvg, window)
		out.Min = aggregate(s.deps.Metrics, name, series.AggMin, window)
		out.Max = aggregate(s.deps.Metrics, name, series.AggMax, window)
		out.P95 = aggregate(s.deps.Metrics, name, series.AggP95, window)
	}
	writeJSON(w, http.StatusOK, out)
}

func aggregate(st *series.Store, name string, op series.AggOp, window time.Duration) *float64 {
	v, ok := st.Aggregate(name, op, window)
	if !ok {
		return nil
	}
	return &v
}

func (s *Server) handleMetricHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	hours := queryInt(r, "hours", 1)
	resolution := queryInt(r, "resolution", 60)

	if hours < 1 || hours > 168 {
		writeError(w, http.StatusBadRequest, "hours must be in [1,168]")
		return
	}
	if resolution < 1 || resolution > 1000 {
		writeError(w, http.StatusBadRequest, "resolution must be in [1,1000]")
		return
	}

	buckets := s.deps.Metrics.History(name, time.Duration(hours)*time.Hour, resolution)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":       name,
		"hours":      hours,
		"resolution": resolution,
		"buckets":    buckets,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	level := r.URL.Query().Get("level")
	if level != "" {
		switch types.Severity(level) {
		case types.SeverityLow, types.SeverityMedium, types.SeverityHigh, types.SeverityCritical:
		default:
			writeError(w, http.StatusBadRequest, "unknown severity: "+level)
			return
		}
	}

	alerts := s.deps.Alerts.ListActive()
	filtered := make([]*types.Alert, 0, len(alerts))
	for _, a := range alerts {
		if level != "" && string(a.Severity) != level {
			continue
		}
		filtered = append(filtered, a)
		if len(filtered) >= limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": filtered,
		"count":  len(filtered),
	})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	by := r.URL.Query().Get("acknowledged_by")
	if by == "" {
		by = "anonymous"
	}

	acked, err := s.deps.Alerts.Acknowledge(r.Context(), id, by)
	if err != nil {
		if errors.Is(err, alert.ErrAlertNotFound) {
			writeError(w, http.StatusNotFound, "alert not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, acked)
}

func (s *Server) handleOptimizationStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Optimizer == nil {
		writeError(w, http.StatusServiceUnavailable, "optimizer not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Optimizer.Status())
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
