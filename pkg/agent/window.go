package agent

import (
	"sync"
	"time"
)

// Tracker keeps probe samples over a rolling window.
type Tracker interface {
	Record(at time.Time, up bool) error
	// Uptime is the share of up samples in (now-window, now] as a
	// percentage, with the number of samples it is based on.
	Uptime(now time.Time) (float64, int, error)
}

type sample struct {
	at time.Time
	up bool
}

// Window is the in-memory Tracker.
type Window struct {
	mu      sync.Mutex
	span    time.Duration
	samples []sample
}

func NewWindow(span time.Duration) *Window {
	return &Window{span: span}
}

func (w *Window) Record(at time.Time, up bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, sample{at: at, up: up})
	w.pruneLocked(at)
	return nil
}

func (w *Window) Uptime(now time.Time) (float64, int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	var in []sample
	for _, s := range w.samples {
		if !s.at.After(now) {
			in = append(in, s)
		}
	}
	return uptimePct(in), len(in), nil
}

func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && !w.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

func uptimePct(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	up := 0
	for _, s := range samples {
		if s.up {
			up++
		}
	}
	return float64(up) * 100 / float64(len(samples))
}
