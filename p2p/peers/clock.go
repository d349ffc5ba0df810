package peers

import (
	"log/slog"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

const (
	clockTick          = time.Second
	clockIdleTolerance = 10 * time.Second
)

// ClockWatcher detects process suspension: when consecutive ticks are much
// further apart than the tick interval the machine was asleep.
type ClockWatcher struct {
	exec      userthread.Executor
	now       func() time.Time
	tolerance time.Duration

	timer     userthread.Timer
	last      time.Time
	listeners []func(missed time.Duration)
}

// NewClockWatcher reads wall time from now, which defaults to time.Now.
func NewClockWatcher(exec userthread.Executor, now func() time.Time) *ClockWatcher {
	if now == nil {
		now = time.Now
	}
	return &ClockWatcher{exec: exec, now: now, tolerance: clockIdleTolerance}
}

// AddListener registers fn, called on the user thread with the missed time.
func (w *ClockWatcher) AddListener(fn func(missed time.Duration)) {
	w.listeners = append(w.listeners, fn)
}

func (w *ClockWatcher) Start() {
	if w.timer != nil {
		return
	}
	w.last = w.now()
	w.timer = w.exec.RunPeriodically(clockTick, w.tick)
}

func (w *ClockWatcher) Stop() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *ClockWatcher) tick() {
	now := w.now()
	gap := now.Sub(w.last)
	w.last = now
	if gap <= w.tolerance {
		return
	}
	missed := gap - clockTick
	log().Warn("clock jump detected, assuming the process was suspended",
		slog.Duration("missed", missed))
	for _, fn := range w.listeners {
		fn(missed)
	}
}
