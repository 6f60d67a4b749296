// Package research runs the review workflow that turns researcher drafts
// into live formulations.
package research

import (
	"errors"
	"time"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/units"
)

// Status is the review state of a draft.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// MinReasonLength is the shortest accepted rejection reason, in characters.
const MinReasonLength = 5

var (
	// ErrNotFound indicates the draft does not exist.
	ErrNotFound = errors.New("research: not found")
	// ErrInvalidState indicates a transition not allowed from the current status.
	ErrInvalidState = errors.New("research: invalid state transition")
	// ErrReasonRequired indicates a blank or too short rejection reason.
	ErrReasonRequired = errors.New("research: rejection reason must be at least 5 characters")
	// ErrNotOwner indicates a resubmit by someone other than the researcher.
	ErrNotOwner = errors.New("research: only the submitting researcher may resubmit")
	// ErrReviewerRequired indicates a review attempted by a non-admin.
	ErrReviewerRequired = errors.New("research: only admins may review")
)

// Draft is a researcher's proposed formulation.
type Draft struct {
	ID              int64                `json:"id"`
	Name            string               `json:"name"`
	BaseQuantity    float64              `json:"base_quantity"`
	BaseUnit        units.Unit           `json:"base_unit"`
	Ingredients     []costing.Ingredient `json:"ingredients"`
	Status          Status               `json:"status"`
	RejectionReason string               `json:"rejection_reason,omitempty"`
	ResearcherID    int64                `json:"researcher_id"`
	ReviewedBy      int64                `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time           `json:"reviewed_at,omitempty"`
	FormulationID   int64                `json:"formulation_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// Action is a workflow step.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionResubmit Action = "resubmit"
)

// Next returns the state reached by applying action to from.
func Next(from Status, action Action) (Status, error) {
	switch {
	case from == StatusPending && action == ActionApprove:
		return StatusApproved, nil
	case from == StatusPending && action == ActionReject:
		return StatusRejected, nil
	case from == StatusRejected && action == ActionResubmit:
		return StatusPending, nil
	}
	return from, ErrInvalidState
}

// SubmitInput carries a new or revised draft.
type SubmitInput struct {
	Name         string               `json:"name" validate:"required,max=160"`
	BaseQuantity float64              `json:"base_quantity" validate:"gt=0"`
	BaseUnit     string               `json:"base_unit" validate:"required"`
	Ingredients  []costing.Ingredient `json:"ingredients" validate:"required,min=1"`
}

// RejectInput carries the reviewer's reason.
type RejectInput struct {
	Reason string `json:"reason" validate:"required"`
}

// ListFilter narrows draft listings.
type ListFilter struct {
	Status       Status
	ResearcherID int64
	Limit        int
	Offset       int
}
