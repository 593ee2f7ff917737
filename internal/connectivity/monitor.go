// Package connectivity probes hub reachability from a spoke and maintains an
// online/degraded/offline mode with exponential reconnection backoff. Other
// components react to the emitted mode-change events rather than probing the
// hub themselves.
package connectivity

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dive25/federation/internal/events"
	"go.uber.org/zap"
)

// Mode is the spoke's view of hub connectivity.
type Mode string

const (
	ModeOnline   Mode = "online"
	ModeDegraded Mode = "degraded"
	ModeOffline  Mode = "offline"
)

// State is a snapshot of the monitor. Mutated only by the probe loop.
type State struct {
	Mode                  Mode          `json:"mode"`
	HubReachable          bool          `json:"hubReachable"`
	PolicyServerReachable bool          `json:"policyServerReachable"`
	ConsecutiveFailures   int           `json:"consecutiveFailures"`
	Backoff               time.Duration `json:"backoff"`
	LastSuccessfulContact time.Time     `json:"lastSuccessfulContact"`
}

// Prober checks one endpoint. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber probes an HTTP health endpoint; any 2xx response counts as
// reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// Config tunes the probe loop. Zero values fall back to the defaults below.
type Config struct {
	Interval          time.Duration
	DegradedThreshold int
	OfflineThreshold  int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 2
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	return c
}

// Monitor runs the periodic reachability probe. Safe for concurrent use.
type Monitor struct {
	hub    Prober
	policy Prober
	cfg    Config
	bus    *events.Bus
	code   string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewMonitor creates a Monitor probing the hub API and the policy
// distribution server independently.
func NewMonitor(instanceCode string, hub, policy Prober, cfg Config, bus *events.Bus, logger *zap.Logger) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		hub:    hub,
		policy: policy,
		cfg:    cfg,
		bus:    bus,
		code:   instanceCode,
		logger: logger,
		now:    time.Now,
		state: State{
			Mode:    ModeOnline,
			Backoff: cfg.BackoffBase,
		},
	}
}

// Start launches the probe loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.started = true
	m.mu.Unlock()

	m.logger.Info("connectivity monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Int("offline_threshold", m.cfg.OfflineThreshold),
	)
	go m.loop(ctx)
}

// Stop cancels the probe loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.started = false
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("connectivity monitor stopped")
}

// State returns a snapshot of the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode returns the current connectivity mode.
func (m *Monitor) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Mode
}

// CheckNow runs one probe cycle immediately and returns the resulting state.
func (m *Monitor) CheckNow(ctx context.Context) State {
	return m.probe(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		st := m.probe(ctx)

		// While failing, retry on the backoff schedule instead of the
		// regular interval.
		next := m.cfg.Interval
		if st.ConsecutiveFailures > 0 {
			next = st.Backoff
		}
		timer.Reset(next)
	}
}

// probe checks both endpoints and applies the mode transition rules.
func (m *Monitor) probe(ctx context.Context) State {
	hubErr := m.hub.Probe(ctx)
	hubOK := hubErr == nil

	// With no policy prober configured, reachability is the hub's alone.
	var policyErr error
	policyOK := hubOK
	if m.policy != nil {
		policyErr = m.policy.Probe(ctx)
		policyOK = policyErr == nil
	}

	m.mu.Lock()
	prev := m.state.Mode
	m.state.HubReachable = hubOK
	m.state.PolicyServerReachable = policyOK

	switch {
	case hubOK && policyOK:
		m.state.ConsecutiveFailures = 0
		m.state.Backoff = m.cfg.BackoffBase
		m.state.LastSuccessfulContact = m.now().UTC()
		m.state.Mode = ModeOnline
	case hubOK || policyOK:
		m.state.Mode = ModeDegraded
		m.state.LastSuccessfulContact = m.now().UTC()
	default:
		m.state.ConsecutiveFailures++
		m.state.Backoff = m.nextBackoff(m.state.ConsecutiveFailures)
		if m.state.ConsecutiveFailures >= m.cfg.OfflineThreshold {
			m.state.Mode = ModeOffline
		} else if m.state.ConsecutiveFailures >= m.cfg.DegradedThreshold {
			m.state.Mode = ModeDegraded
		}
	}
	st := m.state
	m.mu.Unlock()

	if st.Mode != prev {
		m.announce(prev, st, hubErr, policyErr)
	}
	return st
}

// nextBackoff doubles per consecutive failure with ±15% jitter, capped.
func (m *Monitor) nextBackoff(failures int) time.Duration {
	backoff := m.cfg.BackoffBase
	for n := 1; n < failures; n++ {
		backoff *= 2
		if backoff >= m.cfg.BackoffMax {
			backoff = m.cfg.BackoffMax
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.3 - 0.15)
	backoff = time.Duration(float64(backoff) * jitter)
	if backoff > m.cfg.BackoffMax {
		backoff = m.cfg.BackoffMax
	}
	return backoff
}

func (m *Monitor) announce(prev Mode, st State, hubErr, policyErr error) {
	m.logger.Warn("connectivity mode changed",
		zap.String("from", string(prev)),
		zap.String("to", string(st.Mode)),
		zap.Bool("hub_reachable", st.HubReachable),
		zap.Bool("policy_server_reachable", st.PolicyServerReachable),
		zap.Int("consecutive_failures", st.ConsecutiveFailures),
	)

	detail := map[string]string{
		"from":                 string(prev),
		"to":                   string(st.Mode),
		"hub_reachable":        strconv.FormatBool(st.HubReachable),
		"policy_reachable":     strconv.FormatBool(st.PolicyServerReachable),
		"consecutive_failures": strconv.Itoa(st.ConsecutiveFailures),
		"backoff":              st.Backoff.String(),
	}
	if hubErr != nil {
		detail["hub_error"] = hubErr.Error()
	}
	if policyErr != nil {
		detail["policy_error"] = policyErr.Error()
	}

	m.bus.Publish(events.FederationEvent{
		Kind:         events.ConnectivityModeChange,
		InstanceCode: m.code,
		Detail:       detail,
	})
	m.bus.Publish(events.FederationEvent{
		Kind:         modeKind(st.Mode),
		InstanceCode: m.code,
		Detail:       detail,
	})
	if prev == ModeOffline && st.Mode == ModeOnline {
		m.bus.Publish(events.FederationEvent{
			Kind:         events.ConnectivityRecovered,
			InstanceCode: m.code,
			Detail:       detail,
		})
	}
}

func modeKind(mode Mode) events.Kind {
	switch mode {
	case ModeDegraded:
		return events.ConnectivityDegraded
	case ModeOffline:
		return events.ConnectivityOffline
	default:
		return events.ConnectivityOnline
	}
}
