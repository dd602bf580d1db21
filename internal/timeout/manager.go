// Package timeout provides hierarchically nested operation deadlines
// with an active-operation registry and an emergency watchdog.
package timeout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opsmux/guardrail/internal/config"
	"github.com/opsmux/guardrail/internal/metrics"
	pkgerrors "github.com/opsmux/guardrail/pkg/errors"
)

// Well-known operation kinds with configured default durations.
const (
	OpAgentTotal = "agent_total"
	OpAgentPhase = "agent_phase"
	OpLLMCall    = "llm_call"
)

// criticalShutdownCount is the process-lifetime emergency shutdown
// count that escalates to a critical alert.
const criticalShutdownCount = 5

// Operation is one entry in the active-operation registry.
type Operation struct {
	ID        string
	Name      string
	StartedAt time.Time
	Deadline  time.Time
	cancel    context.CancelFunc
}

// Remaining returns the time left before the operation's deadline.
func (o *Operation) Remaining(now time.Time) time.Duration {
	return o.Deadline.Sub(now)
}

// opStats accumulates per-operation-name statistics.
type opStats struct {
	started  atomic.Int64
	timeouts atomic.Int64
	totalDur atomic.Int64 // nanoseconds, completed operations only
	done     atomic.Int64
}

// Stats is a point-in-time snapshot for one operation name.
type Stats struct {
	Started     int64         `json:"started"`
	Completed   int64         `json:"completed"`
	Timeouts    int64         `json:"timeouts"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Manager hands out deadline-scoped contexts, tracks active
// operations, and force-cancels anything that exceeds the emergency
// cap.
type Manager struct {
	settings config.TimeoutSettings
	logger   *slog.Logger

	mu     sync.RWMutex
	active map[string]*Operation

	statsMu sync.RWMutex
	stats   map[string]*opStats

	shutdowns atomic.Int64

	watchdogStop chan struct{}
	stopOnce     sync.Once

	now func() time.Time
}

// NewManager creates a Manager and starts its emergency watchdog.
func NewManager(settings config.TimeoutSettings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		settings:     settings,
		logger:       logger,
		active:       make(map[string]*Operation),
		stats:        make(map[string]*opStats),
		watchdogStop: make(chan struct{}),
		now:          time.Now,
	}
	go m.watchdog()
	return m
}

// DefaultDuration returns the configured duration for a known
// operation kind, or the per-phase duration for anything else.
func (m *Manager) DefaultDuration(name string) time.Duration {
	switch name {
	case OpAgentTotal:
		return m.settings.AgentTotal
	case OpLLMCall:
		return m.settings.LLMCall
	default:
		return m.settings.AgentPhase
	}
}

// WithTimeout returns a context scoped to min(duration, parent
// remaining). The returned release function must be called on every
// exit path; it records statistics and removes the operation from the
// active set.
func (m *Manager) WithTimeout(parent context.Context, name string, duration time.Duration) (context.Context, func()) {
	if duration <= 0 {
		duration = m.DefaultDuration(name)
	}

	now := m.now()
	deadline := now.Add(duration)
	// Child cannot outlive parent.
	if pd, ok := parent.Deadline(); ok && pd.Before(deadline) {
		deadline = pd
	}

	ctx, cancel := context.WithDeadline(parent, deadline)

	op := &Operation{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: now,
		Deadline:  deadline,
		cancel:    cancel,
	}

	m.mu.Lock()
	m.active[op.ID] = op
	m.mu.Unlock()

	st := m.statsFor(name)
	st.started.Add(1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			elapsed := m.now().Sub(op.StartedAt)
			if ctx.Err() == context.DeadlineExceeded {
				st.timeouts.Add(1)
				m.logger.Warn("operation timed out",
					"operation", name,
					"duration", duration,
					"elapsed", elapsed,
				)
			}
			st.done.Add(1)
			st.totalDur.Add(int64(elapsed))

			m.mu.Lock()
			delete(m.active, op.ID)
			m.mu.Unlock()
			cancel()
		})
	}
	return ctx, release
}

// Run executes fn inside a scoped deadline and maps a deadline
// expiry to an OperationTimeout error.
func (m *Manager) Run(parent context.Context, name string, duration time.Duration, fn func(ctx context.Context) error) error {
	ctx, release := m.WithTimeout(parent, name, duration)
	defer release()

	err := fn(ctx)
	if ctx.Err() == context.DeadlineExceeded {
		if duration <= 0 {
			duration = m.DefaultDuration(name)
		}
		return pkgerrors.NewTimeoutError(name, duration)
	}
	return err
}

func (m *Manager) statsFor(name string) *opStats {
	m.statsMu.RLock()
	st, ok := m.stats[name]
	m.statsMu.RUnlock()
	if ok {
		return st
	}

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if st, ok = m.stats[name]; ok {
		return st
	}
	st = &opStats{}
	m.stats[name] = st
	return st
}

// ActiveCount returns the number of currently tracked operations.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// ActiveOperations returns a snapshot of the registry.
func (m *Manager) ActiveOperations() []Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ops := make([]Operation, 0, len(m.active))
	for _, op := range m.active {
		ops = append(ops, *op)
	}
	return ops
}

// StatsSnapshot returns per-operation-name statistics.
func (m *Manager) StatsSnapshot() map[string]Stats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()

	out := make(map[string]Stats, len(m.stats))
	for name, st := range m.stats {
		s := Stats{
			Started:   st.started.Load(),
			Completed: st.done.Load(),
			Timeouts:  st.timeouts.Load(),
		}
		if s.Completed > 0 {
			s.AvgDuration = time.Duration(st.totalDur.Load() / s.Completed)
		}
		out[name] = s
	}
	return out
}

// EmergencyShutdowns returns the process-lifetime count of forced
// cancellations by the watchdog.
func (m *Manager) EmergencyShutdowns() int64 {
	return m.shutdowns.Load()
}

// EmergencyCancel force-cancels every active operation whose name
// matches, or all operations when name is empty. Returns the number
// cancelled.
func (m *Manager) EmergencyCancel(name string) int {
	m.mu.Lock()
	var victims []*Operation
	for id, op := range m.active {
		if name == "" || op.Name == name {
			victims = append(victims, op)
			delete(m.active, id)
		}
	}
	m.mu.Unlock()

	for _, op := range victims {
		op.cancel()
		m.recordShutdown(op, "manual")
	}
	return len(victims)
}

// watchdog scans the registry and force-cancels operations still
// running past the emergency cap.
func (m *Manager) watchdog() {
	interval := m.settings.EmergencyShutdown / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.watchdogStop:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := m.now()
	limit := m.settings.EmergencyShutdown

	m.mu.Lock()
	var victims []*Operation
	for id, op := range m.active {
		if now.Sub(op.StartedAt) > limit {
			victims = append(victims, op)
			delete(m.active, id)
		}
	}
	m.mu.Unlock()

	for _, op := range victims {
		op.cancel()
		m.recordShutdown(op, "emergency_cap")
	}
}

func (m *Manager) recordShutdown(op *Operation, reason string) {
	total := m.shutdowns.Add(1)
	metrics.EmergencyShutdowns.Inc()
	m.logger.Error("emergency shutdown of operation",
		"operation", op.Name,
		"operation_id", op.ID,
		"running_for", m.now().Sub(op.StartedAt),
		"reason", reason,
		"total_shutdowns", total,
	)
	if total == criticalShutdownCount {
		m.logger.Error("CRITICAL: repeated emergency shutdowns, investigate immediately",
			"total_shutdowns", total,
		)
	}
}

// Close stops the watchdog. Active contexts are left to their own
// deadlines.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.watchdogStop) })
	return nil
}
