package call

import (
	"github.com/qzbxw/realtimecore/internal/models"
	"github.com/qzbxw/realtimecore/internal/realtimeerr"
)

// validTransitions is the explicit tagged-variant state machine for call
// state, checked before ever hitting the store's CAS so an out-of-order
// event (accept after reject, end after missed) fails fast with the same
// invalid_call_state the CAS would have produced anyway, rather than
// modeling state as nullable fields on a mutable record.
var validTransitions = map[models.CallState]map[models.CallState]bool{
	models.CallInitiated: {models.CallRinging: true},
	models.CallRinging:   {models.CallActive: true, models.CallRejected: true, models.CallEnded: true, models.CallMissed: true},
	models.CallActive:    {models.CallEnded: true},
}

// checkTransition reports whether from->to is a legal edge of the call
// state machine.
func checkTransition(from, to models.CallState) error {
	if validTransitions[from][to] {
		return nil
	}
	return realtimeerr.New(realtimeerr.KindInvalidCallState, "illegal call transition "+string(from)+" -> "+string(to))
}

// isTerminal reports whether state has no outgoing transitions.
func isTerminal(state models.CallState) bool {
	return state == models.CallEnded || state == models.CallRejected || state == models.CallMissed
}
