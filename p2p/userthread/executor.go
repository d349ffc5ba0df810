// Package userthread provides the single serialized execution context that
// all overlay protocol logic runs on. Listener callbacks, timeouts and
// periodic tasks are queued here so that peer management, exchange and data
// sync state can be mutated without locks.
package userthread

import (
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a handle to a deferred or periodic task. Stop is idempotent and,
// when called from the user thread, guarantees the task will not run again.
type Timer interface {
	Stop()
}

// Executor serializes tasks onto one logical thread.
type Executor interface {
	Execute(fn func())
	RunAfter(d time.Duration, fn func()) Timer
	RunAfterRandomDelay(min, max time.Duration, fn func()) Timer
	RunPeriodically(interval time.Duration, fn func()) Timer
}

// Loop is the production Executor backed by one goroutine.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand

	logger *slog.Logger
}

// New starts a Loop. Call Stop to release its goroutine.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		done:   make(chan struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger.With(slog.String("component", "user_thread")),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Execute queues fn. Tasks queued after Stop are dropped.
func (l *Loop) Execute(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.cond.Signal()
}

// RunAfter queues fn once d has elapsed.
func (l *Loop) RunAfter(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Execute(func() {
			if t.stopped.Load() {
				return
			}
			fn()
		})
	})
	return t
}

// RunAfterRandomDelay queues fn after a uniformly distributed delay in [min, max].
func (l *Loop) RunAfterRandomDelay(min, max time.Duration, fn func()) Timer {
	return l.RunAfter(l.randomDelay(min, max), fn)
}

// RunPeriodically queues fn every interval until the returned Timer is stopped.
func (l *Loop) RunPeriodically(interval time.Duration, fn func()) Timer {
	t := &loopTimer{quit: make(chan struct{})}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Execute(func() {
					if t.stopped.Load() {
						return
					}
					fn()
				})
			case <-t.quit:
				return
			case <-l.done:
				return
			}
		}
	}()
	return t
}

// Stop drains the queue and terminates the loop goroutine. It blocks until
// the last queued task has run.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
	<-l.done
}

func (l *Loop) run() {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			close(l.done)
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		l.safeRun(fn)
	}
}

func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("user thread task panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

func (l *Loop) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	l.rngMu.Lock()
	defer l.rngMu.Unlock()
	return min + time.Duration(l.rng.Int63n(int64(max-min)+1))
}

type loopTimer struct {
	stopped atomic.Bool
	timer   *time.Timer
	quit    chan struct{}
	once    sync.Once
}

func (t *loopTimer) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		if t.timer != nil {
			t.timer.Stop()
		}
		if t.quit != nil {
			close(t.quit)
		}
	})
}
