package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/aide-run/aide/pkg/config"
)

// probeTimeout bounds one health check.
const probeTimeout = 10 * time.Second

// Probe is a component health check.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function into a Probe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// Monitor runs registered probes on a fixed interval and feeds the outcomes
// into the recovery manager.
type Monitor struct {
	manager *Manager
	cfg     *config.HealthConfig
	logger  *slog.Logger
	probes  []Probe

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor over the given manager.
func NewMonitor(manager *Manager, cfg *config.HealthConfig, logger *slog.Logger) *Monitor {
	return &Monitor{manager: manager, cfg: cfg, logger: logger}
}

// RegisterProbe adds a probe. Probes are fixed once Start is called.
func (m *Monitor) RegisterProbe(p Probe) {
	m.probes = append(m.probes, p)
}

// Start launches the periodic check loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunChecks(ctx)
			}
		}
	}()
	m.logger.Info("health monitor started",
		"interval", m.cfg.CheckInterval, "probes", len(m.probes))
}

// Stop halts the loop.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// RunChecks executes every probe once.
func (m *Monitor) RunChecks(ctx context.Context) {
	for _, p := range m.probes {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := p.Check(probeCtx)
		cancel()
		if err != nil {
			m.manager.RecordFailure(p.Name(), err)
			continue
		}
		m.manager.RecordSuccess(p.Name())
	}
}
