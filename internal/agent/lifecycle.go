package agent

import (
	"context"
	"sync"

	"github.com/comigor/supportdesk/internal/logger"
	"github.com/qmuntal/stateless"
)

// Session lifecycle states. There is no way back to StateNone.
type SessionState string

const (
	StateNone    SessionState = "none"
	StateStarted SessionState = "started"
	StateActive  SessionState = "active"
)

// Lifecycle triggers
type SessionTrigger string

const (
	TriggerStart    SessionTrigger = "start"
	TriggerExchange SessionTrigger = "exchange"
)

// sessionEntry serializes every operation on one session.
type sessionEntry struct {
	mu  sync.Mutex
	fsm *stateless.StateMachine
}

func newSessionEntry(id string, initial SessionState) *sessionEntry {
	fsm := stateless.NewStateMachine(initial)

	// None -> Started
	fsm.Configure(StateNone).
		Permit(TriggerStart, StateStarted)

	// Started: a repeated start resets, the first exchange activates.
	fsm.Configure(StateStarted).
		PermitReentry(TriggerStart).
		Permit(TriggerExchange, StateActive)

	// Active: exchanges keep it active, a start resets it.
	fsm.Configure(StateActive).
		PermitReentry(TriggerExchange).
		Permit(TriggerStart, StateStarted)

	fsm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		if t.Source != t.Destination {
			logger.L.Debug("session state changed", "session_id", id, "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
		}
	})

	return &sessionEntry{fsm: fsm}
}

func (e *sessionEntry) state() SessionState {
	return e.fsm.MustState().(SessionState)
}

func (e *sessionEntry) canExchange() bool {
	ok, err := e.fsm.CanFire(TriggerExchange)
	return err == nil && ok
}
