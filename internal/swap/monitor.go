package swap

import (
	"context"
	"sync"
	"time"

	"github.com/klingon-exchange/swapkit/pkg/logging"
)

// DefaultProceedInterval is how often the monitor retries pending steps.
const DefaultProceedInterval = 30 * time.Second

// MonitorConfig configures the proceed monitor.
type MonitorConfig struct {
	Interval time.Duration

	// RequireSynced skips swaps that touch a coin whose gateway is not synced.
	RequireSynced bool
}

// DefaultMonitorConfig returns the default monitor settings.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		Interval:      DefaultProceedInterval,
		RequireSynced: true,
	}
}

// Monitor periodically calls ProceedAll so steps that failed, or were never
// attempted since the last persisted state, are retried.
type Monitor struct {
	coordinator *Coordinator
	config      *MonitorConfig
	log         *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor for the coordinator.
func NewMonitor(coordinator *Coordinator, cfg *MonitorConfig) *Monitor {
	if cfg == nil {
		cfg = DefaultMonitorConfig()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProceedInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		coordinator: coordinator,
		config:      cfg,
		log:         logging.GetDefault().Component("monitor"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start runs the monitor loop in the background.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.log.Info("Proceed monitor started", "interval", m.config.Interval)
}

// Stop stops the loop and waits for an in-flight tick to finish.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.log.Info("Proceed monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.tick()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick runs one proceed pass and returns the ids of swaps it skipped.
func (m *Monitor) tick() []string {
	var (
		errs    map[string]error
		skipped []string
	)
	if m.config.RequireSynced {
		errs, skipped = m.coordinator.ProceedSynced(m.ctx)
	} else {
		errs = m.coordinator.ProceedAll(m.ctx)
	}

	if len(skipped) > 0 {
		m.log.Debug("Gateways not synced, skipped swaps", "skipped", len(skipped))
	}
	if len(errs) > 0 {
		m.log.Debug("Proceed pass finished with failures", "failed", len(errs))
	}
	return skipped
}
