package userthread

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Executor driven by the caller. Queued tasks run
// only from Drain or Advance, and timers fire against a virtual clock. It is
// intended for tests of components that schedule work on the user thread.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	queue   []func()
	timers  []*manualTimer
	seq     uint64
	rng     *rand.Rand
	running bool
}

// NewManual returns a Manual executor whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, rng: rand.New(rand.NewSource(1))}
}

// Now reports the virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Execute(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

func (m *Manual) RunAfter(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{due: m.now.Add(d), fn: fn, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) RunAfterRandomDelay(min, max time.Duration, fn func()) Timer {
	d := min
	if max > min {
		m.mu.Lock()
		d = min + time.Duration(m.rng.Int63n(int64(max-min)+1))
		m.mu.Unlock()
	}
	return m.RunAfter(d, fn)
}

func (m *Manual) RunPeriodically(interval time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{due: m.now.Add(interval), fn: fn, period: interval, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// Drain runs queued tasks, including tasks queued while draining, until the
// queue is empty.
func (m *Manual) Drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves the virtual clock forward by d, firing due timers in order
// and draining the queue after each one.
func (m *Manual) Advance(d time.Duration) {
	m.Drain()
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			m.Drain()
			return
		}
		if next.due.After(m.now) {
			m.now = next.due
		}
		if next.period > 0 {
			next.due = next.due.Add(next.period)
		} else {
			next.Stop()
		}
		fn := next.fn
		m.mu.Unlock()
		fn()
		m.Drain()
	}
}

// Pending reports the number of live timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compactLocked()
	return len(m.timers)
}

func (m *Manual) nextDueLocked(limit time.Time) *manualTimer {
	m.compactLocked()
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].due.Equal(m.timers[j].due) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].due.Before(m.timers[j].due)
	})
	for _, t := range m.timers {
		if !t.due.After(limit) {
			return t
		}
		break
	}
	return nil
}

func (m *Manual) compactLocked() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.isStopped() {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(m.timers); i++ {
		m.timers[i] = nil
	}
	m.timers = live
}

type manualTimer struct {
	mu      sync.Mutex
	due     time.Time
	period  time.Duration
	seq     uint64
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *manualTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
