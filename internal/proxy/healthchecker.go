package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/unichat-gateway/internal/metrics"
	"github.com/nulpointcorp/unichat-gateway/internal/providers"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// Component states.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDown     = "down"
	statusUnknown  = "unknown"
	statusDisabled = "disabled"
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	provider     providers.Provider
	slotReady    func() bool
	backendReady func(context.Context) error
	baseCtx      context.Context
	metrics      *metrics.Registry

	providerStatus componentStatus
	slotStatus     componentStatus
	backendStatus  componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. slotReady and backendReady may be nil.
func NewHealthChecker(
	ctx context.Context,
	prov providers.Provider,
	slotReady func() bool,
	backendReady func(context.Context) error,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		provider:     prov,
		slotReady:    slotReady,
		backendReady: backendReady,
		startTime:    time.Now(),
		done:         make(chan struct{}),
		baseCtx:      ctx,
		metrics:      met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the current health state for all components.
type HealthSnapshot struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Provider      string `json:"provider"`
	Upstream      string `json:"upstream"`
	ModelSlot     string `json:"model_slot"`
	Backend       string `json:"backend"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	snap := HealthSnapshot{
		Status:        statusOK,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Upstream:      hc.providerStatus.get(),
		ModelSlot:     hc.slotStatus.get(),
		Backend:       hc.backendStatus.get(),
	}
	if hc.provider != nil {
		snap.Provider = hc.provider.Name()
	}
	if snap.Upstream != statusOK || snap.ModelSlot != statusOK || snap.Backend == statusDown {
		snap.Status = statusDegraded
	}
	return snap
}

// ReadinessOK reports whether the model slot storage is reachable and the
// backend is not down. The provider does not gate readiness: its failures
// surface per request.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.slotStatus.get() == statusOK && hc.backendStatus.get() != statusDown
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.provider == nil {
			hc.providerStatus.set(statusUnknown)
			return
		}
		ok := hc.provider.HealthCheck(ctx) == nil
		if ok {
			hc.providerStatus.set(statusOK)
		} else {
			hc.providerStatus.set(statusDegraded)
		}
		if hc.metrics != nil {
			hc.metrics.SetProviderHealth(hc.provider.Name(), ok)
		}
	}()

	// Nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.slotReady == nil || hc.slotReady() {
			hc.slotStatus.set(statusOK)
		} else {
			hc.slotStatus.set(statusDegraded)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		switch {
		case hc.backendReady == nil:
			hc.backendStatus.set(statusDisabled)
		case hc.backendReady(ctx) == nil:
			hc.backendStatus.set(statusOK)
		default:
			hc.backendStatus.set(statusDown)
		}
	}()

	wg.Wait()
}
