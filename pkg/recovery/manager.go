// Package recovery tracks per-component health, selects recovery strategies
// when failures pile up, and runs the periodic probe loop.
package recovery

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aide-run/aide/pkg/config"
	"github.com/aide-run/aide/pkg/metrics"
	"github.com/aide-run/aide/pkg/models"
)

const (
	errorRingSize    = 10
	maxRetryBackoff  = 30 * time.Second
	baseRetryBackoff = time.Second
)

// criticalInfrastructure components get a Restart verdict instead of the
// softer strategies.
var criticalInfrastructure = map[string]bool{
	"orchestrator": true,
	"registry":     true,
}

// ComponentKind influences strategy selection.
type ComponentKind string

const (
	KindInfrastructure ComponentKind = "infrastructure"
	KindTool           ComponentKind = "tool"
	KindService        ComponentKind = "service"
)

// Alert is an operator-visible incident. Alerts are acknowledged by hand
// and never auto-cleared.
type Alert struct {
	ID           string                  `json:"id"`
	Component    string                  `json:"component"`
	Status       models.ComponentStatus  `json:"status"`
	Strategy     models.RecoveryStrategy `json:"strategy"`
	Message      string                  `json:"message"`
	RaisedAt     time.Time               `json:"raised_at"`
	Acknowledged bool                    `json:"acknowledged"`
}

type componentCell struct {
	health   models.ComponentHealth
	kind     ComponentKind
	breaches int
}

// Manager maintains health state per named component.
type Manager struct {
	cfg     *config.HealthConfig
	clock   models.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	components map[string]*componentCell
	alerts     []*Alert
}

// NewManager creates a recovery manager. A nil clock selects the system clock.
func NewManager(cfg *config.HealthConfig, clock models.Clock, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = models.SystemClock{}
	}
	return &Manager{
		cfg:        cfg,
		clock:      clock,
		metrics:    m,
		logger:     logger,
		components: make(map[string]*componentCell),
	}
}

// RegisterComponent declares a component and its kind ahead of time. Unknown
// components reported through RecordFailure default to KindService.
func (m *Manager) RegisterComponent(name string, kind ComponentKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cell(name).kind = kind
}

// cell returns the component cell, creating it Healthy. Callers hold mu.
func (m *Manager) cell(name string) *componentCell {
	c, ok := m.components[name]
	if !ok {
		c = &componentCell{
			kind: KindService,
			health: models.ComponentHealth{
				Component: name,
				Status:    models.StatusHealthy,
			},
		}
		m.components[name] = c
	}
	return c
}

// RecordFailure notes one failure and, when the consecutive count crosses
// the threshold, selects and applies a recovery strategy.
func (m *Manager) RecordFailure(component string, err error) models.RecoveryStrategy {
	now := m.clock.Now()

	m.mu.Lock()
	c := m.cell(component)
	c.health.ConsecutiveFailures++
	c.health.LastCheck = now
	c.health.RecentErrors = append(c.health.RecentErrors, err.Error())
	if len(c.health.RecentErrors) > errorRingSize {
		c.health.RecentErrors = c.health.RecentErrors[len(c.health.RecentErrors)-errorRingSize:]
	}
	c.health.Status = statusFor(c.health.ConsecutiveFailures)

	var strategy models.RecoveryStrategy
	if c.health.ConsecutiveFailures >= m.cfg.FailureThreshold {
		strategy = m.selectStrategy(c)
		c.health.ActiveRecovery = strategy
		if strategy == models.RecoveryDegrade {
			c.health.DegradedMode = true
		}
		if c.health.ConsecutiveFailures == m.cfg.FailureThreshold {
			c.breaches++
			m.alerts = append(m.alerts, &Alert{
				ID:        uuid.NewString(),
				Component: component,
				Status:    c.health.Status,
				Strategy:  strategy,
				Message:   err.Error(),
				RaisedAt:  now,
			})
		}
	}
	m.mu.Unlock()

	m.logger.Warn("component failure recorded",
		"component", component, "error", err, "strategy", string(strategy))
	m.gauge()
	return strategy
}

// selectStrategy picks the recovery action for a breaching component.
// Callers hold mu.
func (m *Manager) selectStrategy(c *componentCell) models.RecoveryStrategy {
	switch {
	case criticalInfrastructure[c.health.Component] || c.kind == KindInfrastructure:
		return models.RecoveryRestart
	case c.kind == KindTool:
		if c.breaches > 0 || c.health.DegradedMode {
			return models.RecoveryDegrade
		}
		return models.RecoveryFallback
	default:
		return models.RecoveryRetry
	}
}

// RetryBackoff returns the backoff for the component's next retry, doubling
// per consecutive failure and capped at 30 seconds.
func (m *Manager) RetryBackoff(component string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.components[component]
	if !ok {
		return baseRetryBackoff
	}
	backoff := baseRetryBackoff
	for i := 1; i < c.health.ConsecutiveFailures && backoff < maxRetryBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxRetryBackoff {
		backoff = maxRetryBackoff
	}
	return backoff
}

// RecordSuccess resets the component to Healthy.
func (m *Manager) RecordSuccess(component string) {
	now := m.clock.Now()
	m.mu.Lock()
	c := m.cell(component)
	c.health.ConsecutiveFailures = 0
	c.health.Status = models.StatusHealthy
	c.health.LastCheck = now
	c.health.LastSuccess = now
	c.health.DegradedMode = false
	c.health.ActiveRecovery = ""
	m.mu.Unlock()
	m.gauge()
}

// ComponentHealth returns a snapshot for one component.
func (m *Manager) ComponentHealth(component string) (models.ComponentHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[component]
	if !ok {
		return models.ComponentHealth{}, false
	}
	return cloneHealth(&c.health), true
}

// Snapshot returns all component health cells, sorted by name.
func (m *Manager) Snapshot() []models.ComponentHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.ComponentHealth, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, cloneHealth(&c.health))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// OverallHealth is the worst status across all components.
func (m *Manager) OverallHealth() models.ComponentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	overall := models.StatusHealthy
	for _, c := range m.components {
		overall = overall.Worse(c.health.Status)
	}
	return overall
}

// Alerts returns all alerts, optionally including acknowledged ones.
func (m *Manager) Alerts(includeAcknowledged bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Alert
	for _, a := range m.alerts {
		if a.Acknowledged && !includeAcknowledged {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// AcknowledgeAlert marks an alert as seen. Acknowledged alerts stay on the
// books.
func (m *Manager) AcknowledgeAlert(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == alertID {
			a.Acknowledged = true
			return true
		}
	}
	return false
}

func (m *Manager) gauge() {
	if m.metrics == nil {
		return
	}
	m.metrics.OverallHealth.Set(float64(severityOf(m.OverallHealth())))
}

func statusFor(failures int) models.ComponentStatus {
	switch {
	case failures == 0:
		return models.StatusHealthy
	case failures <= 2:
		return models.StatusDegraded
	case failures <= 4:
		return models.StatusUnhealthy
	default:
		return models.StatusCritical
	}
}

func severityOf(s models.ComponentStatus) int {
	switch s {
	case models.StatusHealthy:
		return 0
	case models.StatusDegraded:
		return 1
	case models.StatusUnhealthy:
		return 2
	default:
		return 3
	}
}

func cloneHealth(h *models.ComponentHealth) models.ComponentHealth {
	c := *h
	c.RecentErrors = append([]string(nil), h.RecentErrors...)
	return c
}
