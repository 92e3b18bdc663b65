package musig

import (
	"fmt"
	"time"

	"github.com/klingon-exchange/musig2mesh/internal/merrors"
)

// StateChanged is emitted on every successful transition, carrying enough
// detail for audit and test observation.
type StateChanged struct {
	SessionID string
	From      Phase
	To        Phase
	Reason    string
	Timestamp time.Time
}

// StateMachine is the sole writer of Session.Phase. All handlers go through
// Transition and must handle its failure.
type StateMachine struct {
	session *Session
	onEvent func(StateChanged)
}

// NewStateMachine wires a state machine to session, invoking onEvent for
// every stateChanged transition. onEvent may be nil.
func NewStateMachine(session *Session, onEvent func(StateChanged)) *StateMachine {
	return &StateMachine{session: session, onEvent: onEvent}
}

var validTransitions = map[Phase]map[Phase]bool{
	PhaseInit:        {PhaseNonceCommit: true, PhaseAborted: true},
	PhaseNonceCommit: {PhaseNonceReveal: true, PhaseAborted: true},
	PhaseNonceReveal: {PhasePartialSig: true, PhaseAborted: true},
	PhasePartialSig:  {PhaseComplete: true, PhaseAborted: true},
	PhaseComplete:    {},
	PhaseAborted:     {},
}

// Transition moves the session from its current phase to `to`, recording
// reason and emitting a StateChanged event. Any transition absent from
// validTransitions fails with ErrProtocolViolation and leaves phase
// unchanged.
func (sm *StateMachine) Transition(to Phase, reason string) error {
	s := sm.session

	allowed, ok := validTransitions[s.Phase]
	if !ok || !allowed[to] {
		return fmt.Errorf("%w: %s -> %s (%s)", merrors.ErrProtocolViolation, s.Phase, to, reason)
	}

	from := s.Phase
	s.Phase = to
	s.touch()

	if sm.onEvent != nil {
		sm.onEvent(StateChanged{
			SessionID: s.SessionID,
			From:      from,
			To:        to,
			Reason:    reason,
			Timestamp: s.UpdatedAt,
		})
	}

	if to == PhaseComplete || to == PhaseAborted {
		s.Zero()
	}

	return nil
}

// Abort is a convenience wrapper that transitions to PhaseAborted from any
// non-terminal phase and records reason as the session's AbortReason.
func (sm *StateMachine) Abort(reason string) error {
	s := sm.session
	if s.Phase == PhaseComplete || s.Phase == PhaseAborted {
		return nil
	}
	if err := sm.Transition(PhaseAborted, reason); err != nil {
		return err
	}
	s.AbortReason = reason
	return nil
}
