// Package tasks tracks the per-client registry of in-flight work: creation
// limits, state transitions, context updates, and keyword-based matching of
// follow-up messages to running tasks.
package tasks

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aide-run/aide/pkg/bus"
	"github.com/aide-run/aide/pkg/config"
	"github.com/aide-run/aide/pkg/metrics"
	"github.com/aide-run/aide/pkg/models"
)

// relatedOverlapThreshold is the keyword overlap above which a new message
// is treated as a follow-up to an existing task.
const relatedOverlapThreshold = 0.3

// Stats summarizes registry contents.
type Stats struct {
	Total     int                      `json:"total"`
	ByState   map[models.TaskState]int `json:"by_state"`
	ByClient  map[string]int           `json:"by_client"`
	Completed int                      `json:"completed"`
}

// Manager is the task registry.
type Manager struct {
	bus     *bus.Bus
	cfg     *config.TaskConfig
	clock   models.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	tasks    map[string]*models.ActiveTask
	removals map[string]*time.Timer
	finished int
}

// NewManager creates a manager. A nil clock selects the system clock.
func NewManager(eventBus *bus.Bus, cfg *config.TaskConfig, clock models.Clock,
	m *metrics.Metrics, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = models.SystemClock{}
	}
	return &Manager{
		bus:      eventBus,
		cfg:      cfg,
		clock:    clock,
		metrics:  m,
		logger:   logger,
		tasks:    make(map[string]*models.ActiveTask),
		removals: make(map[string]*time.Timer),
	}
}

// Create registers a new pending task, enforcing the per-client ceiling on
// concurrently live tasks.
func (m *Manager) Create(clientID, query string) (*models.ActiveTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := 0
	for _, t := range m.tasks {
		if t.ClientID == clientID && !t.State.Terminal() {
			live++
		}
	}
	if live >= m.cfg.MaxConcurrentTasksPerClient {
		return nil, &models.TooManyTasksError{ClientID: clientID, Limit: m.cfg.MaxConcurrentTasksPerClient}
	}

	task := &models.ActiveTask{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Query:     query,
		State:     models.TaskStatePending,
		CreatedAt: m.clock.Now(),
	}
	m.tasks[task.ID] = task
	m.gaugeLocked()
	return snapshot(task), nil
}

// UpdateState transitions a task. Re-applying the current state is a no-op;
// entering Active stamps started_at, entering a terminal state stamps
// completed_at. Terminal states are final.
func (m *Manager) UpdateState(taskID string, state models.TaskState) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.State == state || task.State.Terminal() {
		m.mu.Unlock()
		return
	}

	prev := task.State
	task.State = state
	now := m.clock.Now()
	if state == models.TaskStateActive && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if state.Terminal() {
		task.CompletedAt = &now
		m.finished++
	}
	clientID := task.ClientID
	m.gaugeLocked()
	m.mu.Unlock()

	m.publish(models.Event{
		Type:     models.EventTaskStateChanged,
		Priority: models.PriorityMedium,
		Source:   "task_manager",
		Payload: map[string]any{
			"task_id":   taskID,
			"client_id": clientID,
			"from":      string(prev),
			"to":        string(state),
		},
	})
}

// AttachPlan links the plan produced for this task.
func (m *Manager) AttachPlan(taskID, planID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[taskID]; ok {
		task.PlanID = planID
	}
}

// AddContextUpdate appends a follow-up message to a live task.
func (m *Manager) AddContextUpdate(taskID, message string) (*models.ContextUpdate, bool) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.State.Terminal() {
		m.mu.Unlock()
		return nil, false
	}

	update := models.ContextUpdate{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		Message:    message,
		ReceivedAt: m.clock.Now(),
	}
	task.ContextUpdates = append(task.ContextUpdates, update)
	clientID := task.ClientID
	m.mu.Unlock()

	m.publish(models.Event{
		Type:     models.EventContextUpdate,
		Priority: models.PriorityHigh,
		Source:   "task_manager",
		Payload: map[string]any{
			"task_id":   taskID,
			"client_id": clientID,
			"update_id": update.ID,
			"message":   message,
		},
	})
	return &update, true
}

// DrainUpdates returns the task's unprocessed context updates, marking them
// processed with the given impact recorded later via MarkUpdateImpact.
func (m *Manager) DrainUpdates(taskID string) []models.ContextUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil
	}
	var out []models.ContextUpdate
	for i := range task.ContextUpdates {
		if !task.ContextUpdates[i].Processed {
			task.ContextUpdates[i].Processed = true
			out = append(out, task.ContextUpdates[i])
		}
	}
	return out
}

// MarkUpdateImpact records how a drained update affected the task.
func (m *Manager) MarkUpdateImpact(taskID, updateID string, impact models.ContextImpact) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return
	}
	for i := range task.ContextUpdates {
		if task.ContextUpdates[i].ID == updateID {
			task.ContextUpdates[i].Impact = impact
			return
		}
	}
}

// FindRelatedTask matches a message against live tasks and returns the most
// recent Active or Paused match. A message whose keywords overlap a task's
// query by more than the threshold is related; so is a message opening with
// a correction marker ("actually, ...") when the client has live work.
func (m *Manager) FindRelatedTask(clientID, query string) *models.ActiveTask {
	queryKeywords := keywords(query)
	correction := isCorrection(query)
	if len(queryKeywords) == 0 && !correction {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.ActiveTask
	for _, t := range m.tasks {
		if t.ClientID != clientID {
			continue
		}
		if t.State != models.TaskStateActive && t.State != models.TaskStatePaused {
			continue
		}
		if !correction && overlap(queryKeywords, keywords(t.Query)) <= relatedOverlapThreshold {
			continue
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	return snapshot(best)
}

// correctionMarkers open messages that redirect work already in flight.
var correctionMarkers = []string{
	"actually", "instead", "wait", "on second thought", "never mind", "nevermind",
}

func isCorrection(s string) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, marker := range correctionMarkers {
		if strings.HasPrefix(s, marker) {
			return true
		}
	}
	return false
}

// Complete records the result, transitions the task, and schedules its
// removal after the completion retention window.
func (m *Manager) Complete(taskID, result string, state models.TaskState) {
	m.mu.Lock()
	if task, ok := m.tasks[taskID]; ok {
		task.Result = result
	}
	m.mu.Unlock()

	m.UpdateState(taskID, state)
	m.scheduleRemoval(taskID, m.cfg.CompletedRetention)

	m.publish(models.Event{
		Type:     models.EventTaskCompleted,
		Priority: models.PriorityHigh,
		Source:   "task_manager",
		Payload: map[string]any{
			"task_id": taskID,
			"state":   string(state),
			"result":  result,
		},
	})
}

// Cancel transitions the task to Cancelled and schedules a fast removal.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	terminal := ok && task.State.Terminal()
	m.mu.Unlock()
	if !ok || terminal {
		return false
	}

	m.UpdateState(taskID, models.TaskStateCancelled)
	m.scheduleRemoval(taskID, m.cfg.CancelledRetention)
	return true
}

// Get returns a snapshot of the task while it is retained.
func (m *Manager) Get(taskID string) (*models.ActiveTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	return snapshot(task), true
}

// ActiveTasks lists a client's non-terminal tasks, newest first.
func (m *Manager) ActiveTasks(clientID string) []*models.ActiveTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ActiveTask
	for _, t := range m.tasks {
		if t.ClientID == clientID && !t.State.Terminal() {
			out = append(out, snapshot(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Statistics summarizes the registry.
func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Total:     len(m.tasks),
		ByState:   make(map[models.TaskState]int),
		ByClient:  make(map[string]int),
		Completed: m.finished,
	}
	for _, t := range m.tasks {
		stats.ByState[t.State]++
		stats.ByClient[t.ClientID]++
	}
	return stats
}

// Shutdown stops all pending removal timers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, timer := range m.removals {
		timer.Stop()
		delete(m.removals, id)
	}
}

func (m *Manager) scheduleRemoval(taskID string, after time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timer, ok := m.removals[taskID]; ok {
		timer.Stop()
	}
	m.removals[taskID] = time.AfterFunc(after, func() {
		m.mu.Lock()
		delete(m.tasks, taskID)
		delete(m.removals, taskID)
		m.gaugeLocked()
		m.mu.Unlock()
		m.logger.Debug("task removed from registry", "task_id", taskID)
	})
}

func (m *Manager) publish(e models.Event) {
	if err := m.bus.Publish(e); err != nil {
		m.logger.Error("failed to publish task event", "type", string(e.Type), "error", err)
	}
}

func (m *Manager) gaugeLocked() {
	if m.metrics == nil {
		return
	}
	live := 0
	for _, t := range m.tasks {
		if !t.State.Terminal() {
			live++
		}
	}
	m.metrics.ActiveTasks.Set(float64(live))
}

func snapshot(t *models.ActiveTask) *models.ActiveTask {
	c := *t
	c.ContextUpdates = append([]models.ContextUpdate(nil), t.ContextUpdates...)
	return &c
}

// stopwords excluded from keyword matching.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "about": true,
	"what": true, "when": true, "where": true, "which": true, "that": true,
	"this": true, "from": true, "into": true, "can": true, "could": true,
	"would": true, "should": true, "please": true, "tell": true, "how": true,
	"are": true, "was": true, "were": true, "will": true, "you": true,
	"your": true, "our": true, "has": true, "have": true, "had": true,
	"actually": true, "just": true, "get": true, "give": true, "find": true,
}

// keywords extracts the comparable token set of a query: case-folded,
// stopword-stripped, tokens longer than two characters.
func keywords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,!?;:'\"()")
		if len(f) <= 2 || stopwords[f] {
			continue
		}
		out[f] = true
	}
	return out
}

// overlap is |a ∩ b| / |a ∪ b| over keyword sets.
func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
