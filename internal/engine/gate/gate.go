// Package gate holds the marketplace access rules as pure predicates.
// The handlers in the engine apply them before every write, and the SQL
// triggers installed by migration 0002_policies.sql mirror the same rules
// at the storage boundary. The table tests in this package are the shared
// fixtures that keep the two in lock-step.
package gate

import (
	"fmt"

	"campustasks/internal/domain"
)

// ValidationError indicates input violating a bound or required-field rule.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// PermissionError indicates the caller lacks the required role for the
// operation (wrong participant, not the poster, and so on).
type PermissionError struct {
	Reason string
}

func (e PermissionError) Error() string { return e.Reason }

// ConflictError indicates a status precondition not met, a duplicate
// rating/block, or a lost accept race.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

// AuthenticationError indicates no verified subject.
type AuthenticationError struct {
	Reason string
}

func (e AuthenticationError) Error() string {
	if e.Reason == "" {
		return "authentication required"
	}
	return e.Reason
}

// CanTransition reports whether a task may move between two statuses.
func CanTransition(from, to string) bool {
	switch from {
	case domain.TaskOpen:
		return to == domain.TaskAccepted || to == domain.TaskCanceled
	case domain.TaskAccepted:
		return to == domain.TaskComplete || to == domain.TaskCanceled
	}
	return false
}

// CanAccept gates the OPEN -> ACCEPTED transition. The caller must not be
// the poster, must have accepted the rules, and must not be blocked either
// direction with the poster. The status check here is advisory; the
// authoritative check is the conditional UPDATE in the repo.
func CanAccept(t domain.Task, caller domain.Profile, blocked bool) error {
	if caller.ID == t.PosterID {
		return PermissionError{Reason: "you cannot accept your own task"}
	}
	if !caller.AcceptedRules {
		return PermissionError{Reason: "accept the marketplace rules before accepting tasks"}
	}
	if blocked {
		return PermissionError{Reason: "task is not available"}
	}
	if t.Status != domain.TaskOpen {
		return ConflictError{Reason: "task is no longer available"}
	}
	return nil
}

// CanCancel gates cancellation: poster from OPEN or ACCEPTED, acceptor
// from ACCEPTED only.
func CanCancel(t domain.Task, callerID string) error {
	if t.Terminal() {
		return ConflictError{Reason: "task is already closed"}
	}
	switch callerID {
	case t.PosterID:
		return nil
	}
	if t.AcceptorID != nil && *t.AcceptorID == callerID {
		if t.Status != domain.TaskAccepted {
			return ConflictError{Reason: "task is not accepted"}
		}
		return nil
	}
	return PermissionError{Reason: "only a participant can cancel this task"}
}

// CanComplete gates ACCEPTED -> COMPLETE: poster only.
func CanComplete(t domain.Task, callerID string) error {
	if callerID != t.PosterID {
		return PermissionError{Reason: "only the poster can complete this task"}
	}
	if t.Status != domain.TaskAccepted {
		return ConflictError{Reason: "task is not accepted"}
	}
	return nil
}

// CanEdit gates term changes (title/description/price): poster, OPEN only.
// Once a worker commits to the terms the poster cannot change them.
func CanEdit(t domain.Task, callerID string) error {
	if callerID != t.PosterID {
		return PermissionError{Reason: "only the poster can edit this task"}
	}
	if t.Status != domain.TaskOpen {
		return ConflictError{Reason: "task terms are locked once accepted"}
	}
	return nil
}

// CanReadMessages gates chat history: participants only, and only once a
// counterpart exists. History stays readable after cancellation.
func CanReadMessages(t domain.Task, callerID string) error {
	if !t.Participant(callerID) {
		return PermissionError{Reason: "only participants can read this chat"}
	}
	if t.Status == domain.TaskOpen {
		return ConflictError{Reason: "chat opens once the task is accepted"}
	}
	return nil
}

// CanSendMessage gates chat writes: participants only, status ACCEPTED or
// COMPLETE, and never between a blocked pair even though both are nominal
// participants (a block may be created after acceptance).
func CanSendMessage(t domain.Task, callerID string, blocked bool) error {
	if !t.Participant(callerID) {
		return PermissionError{Reason: "only participants can message on this task"}
	}
	if t.Status != domain.TaskAccepted && t.Status != domain.TaskComplete {
		return ConflictError{Reason: "chat is closed for this task"}
	}
	if blocked {
		return PermissionError{Reason: "messaging is blocked between participants"}
	}
	return nil
}

// CanRate gates rating: status COMPLETE and caller a participant. The
// ratee is always inferred as the other participant, never supplied.
func CanRate(t domain.Task, callerID string) error {
	if !t.Participant(callerID) {
		return PermissionError{Reason: "only participants can rate this task"}
	}
	if t.Status != domain.TaskComplete {
		return ConflictError{Reason: "task is not complete"}
	}
	if t.OtherParticipant(callerID) == "" {
		return ConflictError{Reason: "no counterpart to rate"}
	}
	return nil
}

// CanBlock gates block creation. Duplicates are rejected at insert time by
// the unique constraint, surfaced as a ConflictError by the engine.
func CanBlock(blockerID, blockedID string) error {
	if blockedID == "" {
		return ValidationError{Field: "blocked_id", Reason: "is required"}
	}
	if blockerID == blockedID {
		return ValidationError{Field: "blocked_id", Reason: "you cannot block yourself"}
	}
	return nil
}
