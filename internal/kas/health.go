package kas

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dive25/federation/internal/events"
	"go.uber.org/zap"
)

// HealthConfig holds KAS health probing configuration.
type HealthConfig struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// healthStore is the slice of the registry the health checker needs.
// *Registry satisfies this interface.
type healthStore interface {
	List(ctx context.Context, status Status, limit, offset int) ([]*Instance, error)
	Heartbeat(ctx context.Context, kasID string) error
}

// HealthChecker periodically probes every active KAS. A reachable instance
// gets its heartbeat timestamped; an instance failing FailThreshold probes in
// a row is announced on the bus for operators to suspend. The checker never
// suspends on its own: routing already degrades to the default KAS, and a
// flapping network should not be able to tear instances out of the registry.
type HealthChecker struct {
	store      healthStore
	bus        *events.Bus
	httpClient *http.Client
	cfg        HealthConfig
	logger     *zap.Logger

	mu         sync.Mutex
	failCounts map[string]int
}

// NewHealthChecker creates a HealthChecker over the given registry.
func NewHealthChecker(store healthStore, bus *events.Bus, cfg HealthConfig, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &HealthChecker{
		store:      store,
		bus:        bus,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		failCounts: make(map[string]int),
		logger:     logger,
	}
}

// Start runs the probe loop until ctx is cancelled.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, h.cfg.CheckInterval-time.Second)
			h.CheckAll(probeCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every active KAS with bounded concurrency.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	instances, err := h.store.List(ctx, StatusActive, 500, 0)
	if err != nil {
		h.logger.Error("kas health: list instances", zap.Error(err))
		return
	}

	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup

	for _, inst := range instances {
		wg.Add(1)
		go func(k *Instance) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			h.checkOne(ctx, k)
		}(inst)
	}

	wg.Wait()
}

func (h *HealthChecker) checkOne(ctx context.Context, k *Instance) {
	success := h.probe(ctx, probeURL(k))

	h.mu.Lock()
	prevCount := h.failCounts[k.KASID]
	if success {
		h.failCounts[k.KASID] = 0
	} else {
		h.failCounts[k.KASID]++
	}
	count := h.failCounts[k.KASID]
	h.mu.Unlock()

	switch {
	case success && prevCount >= h.cfg.FailThreshold:
		if err := h.store.Heartbeat(ctx, k.KASID); err != nil {
			h.logger.Warn("kas health: record heartbeat", zap.String("kas_id", k.KASID), zap.Error(err))
		}
		h.logger.Info("kas recovered", zap.String("kas_id", k.KASID))
		h.bus.Publish(events.FederationEvent{
			Kind:         events.KASRecovered,
			InstanceCode: k.CountryCode,
			Detail:       map[string]string{"kas_id": k.KASID},
		})
	case success:
		if err := h.store.Heartbeat(ctx, k.KASID); err != nil {
			h.logger.Warn("kas health: record heartbeat", zap.String("kas_id", k.KASID), zap.Error(err))
		}
	case count == h.cfg.FailThreshold:
		h.logger.Warn("kas unhealthy",
			zap.String("kas_id", k.KASID),
			zap.String("kas_url", k.KASURL),
			zap.Int("fail_count", count),
		)
		h.bus.Publish(events.FederationEvent{
			Kind:         events.KASUnhealthy,
			InstanceCode: k.CountryCode,
			Detail: map[string]string{
				"kas_id":               k.KASID,
				"consecutive_failures": strconv.Itoa(count),
			},
		})
	}
}

// probeURL picks the endpoint to probe: the internal URL when set, since
// the checker runs inside the backend network.
func probeURL(k *Instance) string {
	if k.InternalKASURL != "" {
		return k.InternalKASURL
	}
	return k.KASURL
}

// probe attempts HEAD then GET, returning true on any 2xx response.
func (h *HealthChecker) probe(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := h.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err = h.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
