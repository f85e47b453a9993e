package series

import (
	"context"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/store"
)

// ConnectionCounter reports the number of live stream connections
type ConnectionCounter interface {
	ConnectionCount() int
}

// TaskCounter reports the number of active tasks
type TaskCounter interface {
	ActiveCount(ctx context.Context) (int, error)
}

// Sampler feeds the builtin series from the host, the store backend, and
// the application counters.
type Sampler struct {
	store  *Store
	gw     *store.Gateway
	conns  ConnectionCounter
	tasks  TaskCounter
	stopCh chan struct{}

	lastCPU  time.Duration
	lastWall time.Time
	lastOps  int64
	lastErrs int64
}

// NewSampler creates a sampler. conns and tasks may be nil; their series are
// then skipped.
func NewSampler(st *Store, gw *store.Gateway, conns ConnectionCounter, tasks TaskCounter) *Sampler {
	return &Sampler{
		store:  st,
		gw:     gw,
		conns:  conns,
		tasks:  tasks,
		stopCh: make(chan struct{}),
	}
}

// Start begins sampling every 15 seconds
func (s *Sampler) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		s.collect()

		for {
			select {
			case <-ticker.C:
				s.collect()
			case <-s.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the sampler
func (s *Sampler) Stop() {
	close(s.stopCh)
}

func (s *Sampler) collect() {
	s.collectHost()
	s.collectApp()
	s.collectStore()
}

func (s *Sampler) collectHost() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.store.Record("memory_usage", float64(mem.Alloc)/(1024*1024), nil)

	if cpu, ok := processCPU(); ok {
		now := time.Now()
		if !s.lastWall.IsZero() {
			wall := now.Sub(s.lastWall)
			if wall > 0 {
				pct := float64(cpu-s.lastCPU) / float64(wall) * 100
				if pct < 0 {
					pct = 0
				}
				s.store.Record("cpu_usage", pct, nil)
			}
		}
		s.lastCPU = cpu
		s.lastWall = now
	}
}

func (s *Sampler) collectApp() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.conns != nil {
		s.store.Record("active_connections", float64(s.conns.ConnectionCount()), nil)
	}
	if s.tasks != nil {
		if n, err := s.tasks.ActiveCount(ctx); err == nil {
			s.store.Record("active_tasks", float64(n), nil)
			metrics.TasksActive.Set(float64(n))
		}
	}
	if s.gw != nil {
		stats := s.gw.Stats()
		opsDelta := stats.Ops - s.lastOps
		errsDelta := stats.Errors - s.lastErrs
		if opsDelta > 0 {
			s.store.Record("error_rate", float64(errsDelta)/float64(opsDelta)*100, nil)
		}
		s.lastOps = stats.Ops
		s.lastErrs = stats.Errors
	}
}

func (s *Sampler) collectStore() {
	if s.gw == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := s.gw.InfoMap(ctx, "stats")
	if err != nil {
		return
	}
	if v, ok := info["instantaneous_ops_per_sec"]; ok {
		if ops, err := strconv.ParseFloat(v, 64); err == nil {
			s.store.Record("store_ops_per_sec", ops, nil)
		}
	}

	_ = s.store.Snapshot(ctx)
}

// processCPU returns the cumulative user+system CPU time of this process.
func processCPU() (time.Duration, bool) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys, true
}
