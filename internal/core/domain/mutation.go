package domain

import "time"

// MutationKind identifies the operation a pending mutation performs.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// MutationState is the per-mutation lifecycle:
//
//	pending -> confirmed -> settled
//	pending -> failed
//
// Confirmed mutations settle after a grace window during which remote echoes
// of the same write are suppressed. The only timed transition is
// confirmed -> settled.
type MutationState string

const (
	MutationPending   MutationState = "pending"
	MutationConfirmed MutationState = "confirmed"
	MutationSettled   MutationState = "settled"
	MutationFailed    MutationState = "failed"
)

// PendingMutation is a tentative local edit awaiting remote confirmation.
// Owned exclusively by the mutation manager: created on submit, destroyed on
// settle or after retry exhaustion (at which point it becomes a reported
// error, never a silent drop).
type PendingMutation struct {
	ID          string
	EntityID    string
	Collection  Kind
	Kind        MutationKind
	Patch       Patch
	SubmittedAt time.Time
	Attempt     int
	State       MutationState
}
