package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dive25/federation/internal/events"
	"go.uber.org/zap"
)

type fakeProber struct {
	err error
}

func (f *fakeProber) Probe(context.Context) error { return f.err }

var errUnreachable = errors.New("connection refused")

func newTestMonitor(t *testing.T) (*Monitor, *fakeProber, *fakeProber, *[]events.FederationEvent) {
	t.Helper()
	hub := &fakeProber{}
	policy := &fakeProber{}
	var got []events.FederationEvent
	bus := events.NewBus()
	bus.Subscribe(func(ev events.FederationEvent) { got = append(got, ev) })

	m := NewMonitor("GBR", hub, policy, Config{
		Interval:          time.Minute,
		DegradedThreshold: 2,
		OfflineThreshold:  5,
		BackoffBase:       time.Second,
		BackoffMax:        5 * time.Minute,
	}, bus, zap.NewNop())
	return m, hub, policy, &got
}

func kinds(evs []events.FederationEvent) []events.Kind {
	out := make([]events.Kind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}

func TestProbe_offlineAfterThreshold(t *testing.T) {
	m, hub, policy, got := newTestMonitor(t)
	hub.err = errUnreachable
	policy.err = errUnreachable

	ctx := context.Background()
	var st State
	for n := 0; n < 5; n++ {
		st = m.CheckNow(ctx)
	}
	if st.Mode != ModeOffline {
		t.Fatalf("mode after 5 failures: %s", st.Mode)
	}
	if st.ConsecutiveFailures != 5 {
		t.Errorf("consecutive failures: %d", st.ConsecutiveFailures)
	}

	// Degraded at threshold 2, offline at threshold 5, one mode-change
	// and one mode-specific event each.
	want := []events.Kind{
		events.ConnectivityModeChange, events.ConnectivityDegraded,
		events.ConnectivityModeChange, events.ConnectivityOffline,
	}
	if gk := kinds(*got); len(gk) != len(want) {
		t.Fatalf("events: %v", gk)
	} else {
		for n := range want {
			if gk[n] != want[n] {
				t.Errorf("event %d: got %s want %s", n, gk[n], want[n])
			}
		}
	}
}

func TestProbe_singleSuccessResetsFromOffline(t *testing.T) {
	m, hub, policy, got := newTestMonitor(t)
	hub.err = errUnreachable
	policy.err = errUnreachable

	ctx := context.Background()
	for n := 0; n < 5; n++ {
		m.CheckNow(ctx)
	}
	if m.Mode() != ModeOffline {
		t.Fatalf("precondition: mode %s", m.Mode())
	}

	hub.err = nil
	policy.err = nil
	st := m.CheckNow(ctx)

	if st.Mode != ModeOnline {
		t.Errorf("mode: %s", st.Mode)
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("failures not reset: %d", st.ConsecutiveFailures)
	}
	if st.Backoff != time.Second {
		t.Errorf("backoff not reset: %v", st.Backoff)
	}
	if st.LastSuccessfulContact.IsZero() {
		t.Error("last successful contact not recorded")
	}

	gk := kinds(*got)
	var sawRecovered bool
	for _, k := range gk {
		if k == events.ConnectivityRecovered {
			sawRecovered = true
		}
	}
	if !sawRecovered {
		t.Errorf("expected recovered event, got %v", gk)
	}
}

func TestProbe_partialReachabilityIsDegraded(t *testing.T) {
	m, _, policy, _ := newTestMonitor(t)
	policy.err = errUnreachable

	st := m.CheckNow(context.Background())
	if st.Mode != ModeDegraded {
		t.Errorf("mode: %s", st.Mode)
	}
	if !st.HubReachable || st.PolicyServerReachable {
		t.Errorf("reachability flags: hub=%v policy=%v", st.HubReachable, st.PolicyServerReachable)
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("partial contact must not count as a full failure: %d", st.ConsecutiveFailures)
	}
	if st.LastSuccessfulContact.IsZero() {
		t.Error("partial contact should still update last successful contact")
	}
}

func TestProbe_backoffGrowsAndCaps(t *testing.T) {
	m, hub, policy, _ := newTestMonitor(t)
	hub.err = errUnreachable
	policy.err = errUnreachable

	ctx := context.Background()
	var prev time.Duration
	for n := 1; n <= 12; n++ {
		st := m.CheckNow(ctx)
		if st.Backoff > 5*time.Minute {
			t.Fatalf("backoff above cap after %d failures: %v", n, st.Backoff)
		}
		// Jitter is ±15%, so allow slack when checking growth.
		if n > 1 && n < 8 && float64(st.Backoff) < float64(prev)*1.2 {
			t.Errorf("backoff did not grow at failure %d: %v → %v", n, prev, st.Backoff)
		}
		prev = st.Backoff
	}
	if prev < 4*time.Minute {
		t.Errorf("backoff should reach the cap region, got %v", prev)
	}
}

func TestProbe_hubOnlyMonitor(t *testing.T) {
	hub := &fakeProber{}
	m := NewMonitor("GBR", hub, nil, Config{}, nil, zap.NewNop())

	if st := m.CheckNow(context.Background()); st.Mode != ModeOnline {
		t.Errorf("mode: %s", st.Mode)
	}
	hub.err = errUnreachable
	for n := 0; n < 5; n++ {
		m.CheckNow(context.Background())
	}
	if m.Mode() != ModeOffline {
		t.Errorf("hub-only monitor should go offline, got %s", m.Mode())
	}
}

func TestStartStop_idempotent(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)
	ctx := context.Background()

	m.Start(ctx)
	m.Start(ctx) // no-op
	m.Stop()
	m.Stop() // no-op

	// Restart works after a stop.
	m.Start(ctx)
	m.Stop()
}
