package health

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestEmptyMonitorIsHealthy(t *testing.T) {
	m := NewMonitor(nil)
	if got := m.Overall(); got != Healthy {
		t.Fatalf("Overall() on empty monitor = %q, want %q", got, Healthy)
	}
}

func TestOverallReturnsWorstStatus(t *testing.T) {
	m := NewMonitor(nil)
	m.Update("listener", Healthy, "")
	m.Update("sweeper", Degraded, "behind schedule")

	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want %q", got, Degraded)
	}

	m.Update("listener", Unhealthy, "accept failing")
	if got := m.Overall(); got != Unhealthy {
		t.Fatalf("Overall() = %q, want %q", got, Unhealthy)
	}
}

func TestUpdateStampsClockTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewMonitor(clockwork.NewFakeClockAt(now))
	m.Update("sweeper", Healthy, "")

	c, ok := m.Get("sweeper")
	if !ok {
		t.Fatal("component not found after Update")
	}
	if !c.UpdatedAt.Equal(now) {
		t.Fatalf("UpdatedAt = %v, want %v", c.UpdatedAt, now)
	}
}

func TestSummaryListsComponents(t *testing.T) {
	m := NewMonitor(nil)
	m.Update("listener", Healthy, "")
	m.Update("sweeper", Degraded, "slow tick")

	s := m.Summary()
	if s["status"] != "degraded" {
		t.Fatalf("summary status = %v, want degraded", s["status"])
	}
	components, _ := s["components"].(map[string]string)
	if components["listener"] != "healthy" || components["sweeper"] != "degraded" {
		t.Fatalf("summary components = %v", components)
	}
}

func TestConcurrentUpdatesAndReads(t *testing.T) {
	m := NewMonitor(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Update("listener", Healthy, "")
			} else {
				m.Update("listener", Degraded, "flap")
			}
		}(i)
		go func() {
			defer wg.Done()
			_ = m.Overall()
			_ = m.Summary()
		}()
	}
	wg.Wait()

	if _, ok := m.Get("listener"); !ok {
		t.Fatal("listener check missing after concurrent updates")
	}
}
