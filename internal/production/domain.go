// Package production confirms production batches and books their raw
// material consumption against the stock ledger.
package production

import (
	"errors"
	"time"

	"github.com/spicemill/spicemill/internal/units"
)

var (
	// ErrNotFound indicates the batch does not exist.
	ErrNotFound = errors.New("production: batch not found")
	// ErrInactiveFormulation indicates production of a disabled formulation.
	ErrInactiveFormulation = errors.New("production: formulation is inactive")
	// ErrInactiveMaterial blocks confirmation when a chosen material is inactive.
	ErrInactiveMaterial = errors.New("production: inactive material selected")
	// ErrInvalidLoss indicates loss below zero or above the planned quantity.
	ErrInvalidLoss = errors.New("production: loss must be between zero and the planned quantity")
	// ErrInvalidInput indicates malformed confirmation input.
	ErrInvalidInput = errors.New("production: invalid input")
	// ErrDuplicateRequest indicates the idempotency key was already used.
	ErrDuplicateRequest = errors.New("production: batch already confirmed for this request")
)

// Batch is a confirmed production run. Quantities are in Unit.
type Batch struct {
	ID              int64           `json:"id"`
	Code            string          `json:"code"`
	FormulationID   int64           `json:"formulation_id"`
	FormulationName string          `json:"formulation_name"`
	PlannedQuantity float64         `json:"planned_quantity"`
	LossQuantity    float64         `json:"loss_quantity"`
	FinalQuantity   float64         `json:"final_quantity"`
	Unit            units.Unit      `json:"unit"`
	TotalCost       float64         `json:"total_cost"`
	CostPerUnit     float64         `json:"cost_per_unit"`
	ProductionDate  time.Time       `json:"production_date"`
	ActorID         int64           `json:"actor_id"`
	CreatedAt       time.Time       `json:"created_at"`
	Usages          []MaterialUsage `json:"usages"`
}

// MaterialUsage is the frozen consumption of one material by a batch.
// Quantity and RatePerUnit are in the batch unit; NativeQuantity is what was
// booked on the material's ledger.
type MaterialUsage struct {
	ID             int64      `json:"id"`
	BatchID        int64      `json:"batch_id"`
	MaterialID     int64      `json:"material_id"`
	SubstitutedFor int64      `json:"substituted_for,omitempty"`
	MaterialName   string     `json:"material_name"`
	Percentage     float64    `json:"percentage"`
	Quantity       float64    `json:"quantity"`
	MaterialUnit   units.Unit `json:"material_unit"`
	NativeQuantity float64    `json:"native_quantity"`
	RatePerUnit    float64    `json:"rate_per_unit"`
	Cost           float64    `json:"cost"`
}

// ConfirmInput requests a batch. Unit defaults to the formulation base
// unit and ProductionDate to today. Substitutions and ActualQuantities are
// keyed by the recipe's material id; actual quantities are in Unit.
type ConfirmInput struct {
	FormulationID    int64             `json:"formulation_id" validate:"required"`
	PlannedQuantity  float64           `json:"planned_quantity" validate:"gt=0"`
	Unit             string            `json:"unit"`
	LossQuantity     float64           `json:"loss_quantity" validate:"gte=0"`
	ProductionDate   time.Time         `json:"production_date"`
	Substitutions    map[int64]int64   `json:"substitutions"`
	ActualQuantities map[int64]float64 `json:"actual_quantities"`
	IdempotencyKey   string            `json:"idempotency_key" validate:"max=120"`
	ActorID          int64             `json:"-"`
}

// ConfirmResult is a confirmed batch plus advisory stock warnings.
type ConfirmResult struct {
	Batch    Batch    `json:"batch"`
	Warnings []string `json:"warnings"`
}

// ListFilter narrows batch listings.
type ListFilter struct {
	FormulationID int64
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}
