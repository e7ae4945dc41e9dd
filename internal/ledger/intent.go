package ledger

import "time"

type IntentState string

const (
	IntentPending    IntentState = "pending"
	IntentAuthorized IntentState = "authorized"
	IntentConfirmed  IntentState = "confirmed"
	IntentVoided     IntentState = "voided"
	IntentRefunded   IntentState = "refunded"
	IntentRejected   IntentState = "rejected"
)

// transitions is the full set of legal intent moves. Anything absent is illegal.
var transitions = map[IntentState][]IntentState{
	IntentPending:    {IntentAuthorized, IntentRejected, IntentVoided},
	IntentAuthorized: {IntentConfirmed, IntentVoided},
	IntentConfirmed:  {IntentRefunded},
}

// CanTransition reports whether moving from s to next is a legal intent transition.
func (s IntentState) CanTransition(next IntentState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s IntentState) Terminal() bool {
	return len(transitions[s]) == 0
}

// Transition moves the intent to next, stamping the matching timestamp.
// It returns ErrInvalidStateTransition without touching the intent when the move is illegal.
func (i *Intent) Transition(next IntentState, at time.Time) error {
	if i.State.Terminal() {
		return Errorf(CodeInvalidStateTransition, "intent %s is %s, which is final", i.ID, i.State)
	}
	if !i.State.CanTransition(next) {
		return Errorf(CodeInvalidStateTransition, "intent %s cannot move from %s to %s", i.ID, i.State, next)
	}
	t := at
	switch next {
	case IntentAuthorized:
		i.AuthorizedAt = &t
	case IntentConfirmed:
		i.ConfirmedAt = &t
	case IntentVoided:
		i.VoidedAt = &t
	case IntentRefunded:
		i.RefundedAt = &t
	case IntentRejected:
		i.RejectedAt = &t
	}
	i.State = next
	i.UpdatedAt = t
	return nil
}
