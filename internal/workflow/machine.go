// Package workflow models the lifecycle of one orchestrator run as an
// explicit state machine. The machine is deliberately forgiving: events that
// do not apply in the current state are ignored rather than raised, so
// late-arriving supervisory signals after a run finishes are harmless.
package workflow

import "time"

type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateCancelling State = "cancelling"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	// StateStale is never stored; status readers derive it from a
	// running/paused snapshot whose heartbeat or runner process is gone.
	StateStale State = "stale"
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether a persisted run in this state still owns the
// workspace.
func (s State) Active() bool {
	switch s {
	case StateRunning, StatePaused, StateCancelling:
		return true
	default:
		return false
	}
}

type Event string

const (
	EventStart     Event = "START"
	EventPause     Event = "PAUSE"
	EventResume    Event = "RESUME"
	EventCancel    Event = "CANCEL"
	EventCancelled Event = "CANCELLED"
	EventComplete  Event = "COMPLETE"
	EventFail      Event = "FAIL"
	EventHeartbeat Event = "HEARTBEAT"
	EventSync      Event = "SYNC"
	EventStage     Event = "STAGE"
)

// Context carries the run metadata mutated alongside state transitions.
type Context struct {
	RunID           string     `json:"run_id"`
	Goal            string     `json:"goal,omitempty"`
	CurrentStage    string     `json:"current_stage,omitempty"`
	ActiveAgent     string     `json:"active_agent,omitempty"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Update is the event payload. Zero-valued fields leave context untouched
// except where the event itself defines clearing semantics.
type Update struct {
	Stage string
	Agent string
	Error string
	At    time.Time
}

// Snapshot is the persisted form of a machine, used to answer status
// queries even when no in-memory run is live.
type Snapshot struct {
	State     State     `json:"state"`
	Context   Context   `json:"context"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Machine struct {
	state State
	ctx   Context
}

func NewMachine(runID, goal string) *Machine {
	return &Machine{
		state: StateIdle,
		ctx:   Context{RunID: runID, Goal: goal},
	}
}

// Restore rebuilds a machine from a persisted snapshot.
func Restore(snap Snapshot) *Machine {
	return &Machine{state: snap.State, ctx: snap.Context}
}

func (m *Machine) State() State     { return m.state }
func (m *Machine) Context() Context { return m.ctx }

func (m *Machine) Snapshot(now time.Time) Snapshot {
	return Snapshot{State: m.state, Context: m.ctx, UpdatedAt: now}
}

// Apply feeds one event into the machine and reports whether anything
// (state or context) changed. Terminal states absorb every event.
func (m *Machine) Apply(ev Event, upd Update) bool {
	if m.state.Terminal() {
		return false
	}
	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch ev {
	case EventHeartbeat, EventSync:
		m.ctx.LastHeartbeatAt = at
		if upd.Stage != "" || upd.Agent != "" {
			m.ctx.CurrentStage = upd.Stage
			m.ctx.ActiveAgent = upd.Agent
		}
		return true
	case EventStage:
		if m.state != StateRunning {
			return false
		}
		m.ctx.CurrentStage = upd.Stage
		m.ctx.ActiveAgent = upd.Agent
		m.ctx.LastHeartbeatAt = at
		return true
	case EventStart:
		if m.state != StateIdle {
			return false
		}
		m.state = StateRunning
		m.ctx.StartedAt = &at
		m.ctx.LastHeartbeatAt = at
		return true
	case EventPause:
		if m.state != StateRunning {
			return false
		}
		m.state = StatePaused
		return true
	case EventResume:
		if m.state != StatePaused {
			return false
		}
		m.state = StateRunning
		return true
	case EventCancel:
		if m.state != StateRunning && m.state != StatePaused {
			return false
		}
		m.state = StateCancelling
		return true
	case EventCancelled:
		if m.state != StateCancelling && m.state != StateRunning && m.state != StatePaused {
			return false
		}
		m.enterTerminal(StateCancelled, at, "")
		return true
	case EventComplete:
		if m.state != StateRunning && m.state != StatePaused {
			return false
		}
		m.enterTerminal(StateCompleted, at, "")
		return true
	case EventFail:
		if m.state != StateRunning && m.state != StatePaused && m.state != StateCancelling {
			return false
		}
		m.enterTerminal(StateFailed, at, upd.Error)
		return true
	default:
		return false
	}
}

func (m *Machine) enterTerminal(s State, at time.Time, errMsg string) {
	m.state = s
	m.ctx.CompletedAt = &at
	m.ctx.CurrentStage = ""
	m.ctx.ActiveAgent = ""
	if s == StateFailed {
		m.ctx.Error = errMsg
	} else {
		m.ctx.Error = ""
	}
}
