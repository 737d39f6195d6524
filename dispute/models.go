package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
)

// Open reports whether the dispute still blocks new disputes on its contract.
func (s Status) Open() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// Record mirrors the disputes table. Created by a contract participant,
// mutated only by a mediator; resolved/closed are terminal.
type Record struct {
	ID                string
	ContractID        string
	InitiatorID       string
	ReasonCode        string
	Description       string
	MilestoneRef      *string
	Status            Status
	MediatorID        *string
	WinnerID          *string
	Resolution        *string
	ResolutionDetails *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResolvedAt        *time.Time
}
