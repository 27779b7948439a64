package tickets

import (
	"fmt"

	"forgeline/internal/domain"
)

// Pending reports whether the pipeline may still pick the ticket up.
func Pending(s domain.TicketStatus) bool {
	return s == domain.TicketPlanned || s == domain.TicketReadyForDev
}

// RequiresDependencies reports whether entering s needs every dependency done.
func RequiresDependencies(s domain.TicketStatus) bool {
	return s == domain.TicketInProgress || s == domain.TicketCompleted
}

// CheckTransition validates a ticket status edge.
func CheckTransition(from, to domain.TicketStatus) error {
	if from == to {
		return nil
	}
	switch from {
	case domain.TicketPlanned:
		if to == domain.TicketReadyForDev || to == domain.TicketBlocked {
			return nil
		}
	case domain.TicketReadyForDev:
		if to == domain.TicketInProgress || to == domain.TicketPlanned || to == domain.TicketBlocked {
			return nil
		}
	case domain.TicketInProgress:
		// epics complete directly once their children settle
		if to == domain.TicketInReview || to == domain.TicketCompleted || to == domain.TicketBlocked {
			return nil
		}
	case domain.TicketInReview:
		if to == domain.TicketTesting || to == domain.TicketInProgress || to == domain.TicketBlocked {
			return nil
		}
	case domain.TicketTesting:
		if to == domain.TicketQAApproved || to == domain.TicketQAFailed || to == domain.TicketBlocked {
			return nil
		}
	case domain.TicketQAApproved:
		if to == domain.TicketCompleted {
			return nil
		}
	case domain.TicketQAFailed:
		if to == domain.TicketInProgress || to == domain.TicketBlocked {
			return nil
		}
	case domain.TicketBlocked:
		if to == domain.TicketPlanned {
			return nil
		}
	}
	return fmt.Errorf("invalid ticket status transition %s -> %s", from, to)
}

// ValidStatus reports whether s is a known ticket status.
func ValidStatus(s domain.TicketStatus) bool {
	switch s {
	case domain.TicketPlanned, domain.TicketReadyForDev, domain.TicketInProgress, domain.TicketInReview,
		domain.TicketTesting, domain.TicketQAApproved, domain.TicketQAFailed, domain.TicketCompleted, domain.TicketBlocked:
		return true
	}
	return false
}
