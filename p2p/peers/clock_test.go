package peers

import (
	"slices"
	"testing"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p/userthread"
)

func TestClockWatcherReportsSuspension(t *testing.T) {
	clock := userthread.NewManual(time.Unix(1_700_000_000, 0))
	var skew time.Duration
	w := NewClockWatcher(clock, func() time.Time { return clock.Now().Add(skew) })
	var missed []time.Duration
	w.AddListener(func(d time.Duration) { missed = append(missed, d) })
	w.Start()

	clock.Advance(5 * time.Second)
	if len(missed) != 0 {
		t.Fatalf("regular ticks reported as suspension: %v", missed)
	}

	skew = 9 * time.Second
	clock.Advance(time.Second)
	if len(missed) != 0 {
		t.Fatalf("gap within tolerance reported: %v", missed)
	}

	skew += 30 * time.Second
	clock.Advance(time.Second)
	if !slices.Equal(missed, []time.Duration{30 * time.Second}) {
		t.Fatalf("missed %v, want [30s]", missed)
	}

	w.Stop()
	skew += time.Hour
	clock.Advance(2 * time.Second)
	if len(missed) != 1 {
		t.Fatalf("stopped watcher reported %v", missed)
	}
	if n := clock.Pending(); n != 0 {
		t.Fatalf("%d timers pending", n)
	}
}
