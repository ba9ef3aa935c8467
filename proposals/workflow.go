package proposals

import (
	"fmt"

	"tessera/models"
)

// allowedTransitions defines the proposal state machine. Pending is the only
// non-terminal state; every terminal status is a dead end.
var allowedTransitions = map[models.ProposalStatus][]models.ProposalStatus{
	models.ProposalPending: {
		models.ProposalApproved,
		models.ProposalRejected,
		models.ProposalWithdrawn,
		models.ProposalExpired,
	},
}

// ValidateTransition ensures the transition follows the defined state machine.
func ValidateTransition(current, next models.ProposalStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("no transitions allowed from %s", current)
	}
	for _, status := range allowed {
		if status == next {
			return nil
		}
	}
	return fmt.Errorf("transition from %s to %s is not permitted", current, next)
}

// DeriveOutcome applies the auto-approval rule to the registered consumer
// set R and the acknowledged set A. Any blocked acknowledgment rejects the
// proposal immediately; otherwise the proposal approves once every
// registered consumer has acknowledged. An empty R keeps the proposal
// pending so producers reconsider breaking changes even without known
// consumers. Acknowledgments from teams outside R never count toward
// approval; a blocked response rejects whichever team sent it.
func DeriveOutcome(registered map[string]struct{}, acks map[string]models.AckResponse) models.ProposalStatus {
	for _, response := range acks {
		if response == models.AckBlocked {
			return models.ProposalRejected
		}
	}
	if len(registered) == 0 {
		return models.ProposalPending
	}
	for team := range registered {
		if _, ok := acks[team]; !ok {
			return models.ProposalPending
		}
	}
	return models.ProposalApproved
}
