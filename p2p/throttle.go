package p2p

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultMsgThrottlePerSec      = 200
	DefaultMsgThrottlePer10Sec    = 1000
	DefaultSendMsgThrottleTrigger = 20 * time.Millisecond
	DefaultSendMsgThrottleSleep   = 50 * time.Millisecond

	receiveBurstWindow = 10 * time.Millisecond
	receiveBurstSleep  = 20 * time.Millisecond

	throttleWarnInterval = 10 * time.Second
)

// receiveThrottle enforces the per-second and per-ten-seconds message
// limits of one connection over sliding windows. It keeps the receive
// times of the most recent messages; every message takes one slot whether
// or not it violates.
type receiveThrottle struct {
	mu       sync.Mutex
	perSec   int
	per10Sec int
	times    []time.Time
	next     int
	count    int

	// warn rate limits the violation log of one connection.
	warn rate.Sometimes
}

func newReceiveThrottle(perSec, per10Sec int) *receiveThrottle {
	if perSec <= 0 {
		perSec = DefaultMsgThrottlePerSec
	}
	if per10Sec <= 0 {
		per10Sec = DefaultMsgThrottlePer10Sec
	}
	size := max(perSec, per10Sec)
	return &receiveThrottle{
		perSec:   perSec,
		per10Sec: per10Sec,
		times:    make([]time.Time, size),
		warn:     rate.Sometimes{First: 1, Interval: throttleWarnInterval},
	}
}

// violates records one message at now and reports whether it is more than
// the allowed count within the last second or the last ten seconds.
func (t *receiveThrottle) violates(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	exceeded := t.exceeds(now, t.perSec, time.Second) || t.exceeds(now, t.per10Sec, 10*time.Second)
	t.times[t.next] = now
	t.next = (t.next + 1) % len(t.times)
	if t.count < len(t.times) {
		t.count++
	}
	return exceeded
}

// exceeds reports whether limit earlier messages fall inside window.
func (t *receiveThrottle) exceeds(now time.Time, limit int, window time.Duration) bool {
	if t.count < limit {
		return false
	}
	idx := (t.next - limit + len(t.times)) % len(t.times)
	return now.Sub(t.times[idx]) < window
}

// logViolation runs fn at most once per throttleWarnInterval.
func (t *receiveThrottle) logViolation(fn func()) {
	t.warn.Do(fn)
}
