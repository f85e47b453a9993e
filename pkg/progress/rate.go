package progress

import (
	"time"
)

// rateEstimator computes a moving-average transfer rate for one (task, stage)
// pair. Instantaneous rates between consecutive byte observations are kept in
// a bounded window; the estimate is their arithmetic mean.
//
// Durations come from the monotonic clock carried inside time.Time; wall
// clock adjustments do not disturb the estimate.
type rateEstimator struct {
	window    int
	rates     []float64
	lastBytes int64
	lastTime  time.Time
	primed    bool
}

func newRateEstimator(window int) *rateEstimator {
	if window < 1 {
		window = 1
	}
	return &rateEstimator{window: window}
}

// ratePreview is a candidate observation. It is computed before the durable
// write and committed only after the write succeeds, so a store failure
// leaves the estimator untouched.
type ratePreview struct {
	rate  float64
	inst  float64
	bytes int64
	at    time.Time
	valid bool
}

// preview computes the rate the estimator would report after observing
// bytes at now, without mutating state.
func (e *rateEstimator) preview(bytes int64, now time.Time) ratePreview {
	p := ratePreview{bytes: bytes, at: now}
	if !e.primed {
		p.rate = e.average(nil)
		return p
	}

	elapsed := now.Sub(e.lastTime)
	delta := bytes - e.lastBytes
	if elapsed <= 0 || delta < 0 {
		// Clock went nowhere or the counter reset; keep the current estimate.
		p.rate = e.average(nil)
		return p
	}

	p.inst = float64(delta) / elapsed.Seconds()
	p.valid = true
	p.rate = e.average(&p.inst)
	return p
}

// commit applies a previously computed preview
func (e *rateEstimator) commit(p ratePreview) {
	if p.valid {
		e.rates = append(e.rates, p.inst)
		if len(e.rates) > e.window {
			e.rates = e.rates[len(e.rates)-e.window:]
		}
	}
	e.lastBytes = p.bytes
	e.lastTime = p.at
	e.primed = true
}

// average returns the mean of the windowed rates, optionally including one
// extra candidate sample.
func (e *rateEstimator) average(extra *float64) float64 {
	n := len(e.rates)
	var total float64
	for _, r := range e.rates {
		total += r
	}
	if extra != nil {
		total += *extra
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
