package version

import (
	"sync"
	"testing"

	"github.com/danmuck/worldsync/internal/testutil/testlog"
)

func TestClockAdvance(t *testing.T) {
	testlog.Start(t)
	c := NewClock(100)
	if got := c.Advance(); got != 101 {
		t.Fatalf("expected 101, got %d", got)
	}
	if c.Current() != 101 {
		t.Fatalf("unexpected current: %d", c.Current())
	}
}

func TestClockRestoreOnlyForward(t *testing.T) {
	testlog.Start(t)
	c := NewClock(10)
	if c.Restore(5) {
		t.Fatalf("restore backwards should not move")
	}
	if !c.Restore(20) || c.Current() != 20 {
		t.Fatalf("restore forward failed: %d", c.Current())
	}
}

func TestClockConcurrentAdvanceIsMonotonic(t *testing.T) {
	testlog.Start(t)
	c := NewClock(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Advance()
			}
		}()
	}
	wg.Wait()
	if c.Current() != 800 {
		t.Fatalf("expected 800, got %d", c.Current())
	}
}

func TestTrackerNeverMovesBackwards(t *testing.T) {
	testlog.Start(t)
	var tr Tracker
	tr.Reset(100)
	if tr.Observe(90) {
		t.Fatalf("observe older should be ignored")
	}
	if !tr.Observe(101) || tr.Current() != 101 {
		t.Fatalf("observe newer failed: %d", tr.Current())
	}
	tr.Reset(50)
	if tr.Current() != 101 {
		t.Fatalf("reset moved backwards: %d", tr.Current())
	}
}
