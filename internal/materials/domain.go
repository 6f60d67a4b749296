// Package materials manages raw materials and their stock ledger.
package materials

import (
	"errors"
	"fmt"
	"time"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/ledger"
	"github.com/spicemill/spicemill/internal/units"
)

var (
	// ErrMaterialNotFound wraps costing.ErrMaterialNotFound so callers can
	// match either.
	ErrMaterialNotFound = fmt.Errorf("materials: %w", costing.ErrMaterialNotFound)
	// ErrDuplicateName indicates another material already uses the name.
	ErrDuplicateName = errors.New("materials: name already exists")
	// ErrUnitLocked indicates a unit change on a material with history.
	ErrUnitLocked = errors.New("materials: unit cannot change once movements or formulations reference the material")
	// ErrMaterialInUse indicates a delete of a material used by a formulation.
	ErrMaterialInUse = errors.New("materials: material is used by a formulation")
	// ErrInvalidInput indicates malformed create/update input.
	ErrInvalidInput = errors.New("materials: invalid input")
	// ErrBalanceNotFound indicates missing balance row.
	ErrBalanceNotFound = errors.New("materials: balance not found")
)

// Material is a raw material record. AvailableStock is read from the
// materialised balance and expressed in Unit.
type Material struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Unit           units.Unit     `json:"unit"`
	CostPerUnit    float64        `json:"cost_per_unit"`
	MinStock       float64        `json:"min_stock"`
	Status         costing.Status `json:"status"`
	AvailableStock float64        `json:"available_stock"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Costing projects the record into the calculator's view.
func (m Material) Costing() costing.Material {
	return costing.Material{
		ID:             m.ID,
		Name:           m.Name,
		Unit:           m.Unit,
		CostPerUnit:    m.CostPerUnit,
		Status:         m.Status,
		AvailableStock: m.AvailableStock,
	}
}

// BelowMinimum reports whether stock has fallen under the threshold.
func (m Material) BelowMinimum() bool {
	return m.MinStock > 0 && m.AvailableStock < m.MinStock
}

// CreateInput describes a new material.
type CreateInput struct {
	Name         string  `json:"name" validate:"required,max=120"`
	Unit         string  `json:"unit" validate:"required"`
	CostPerUnit  float64 `json:"cost_per_unit" validate:"gte=0"`
	MinStock     float64 `json:"min_stock" validate:"gte=0"`
	InitialStock float64 `json:"initial_stock" validate:"gte=0"`
	ActorID      int64   `json:"-"`
}

// UpdateInput carries optional field changes.
type UpdateInput struct {
	Name        *string  `json:"name" validate:"omitempty,max=120"`
	Unit        *string  `json:"unit"`
	CostPerUnit *float64 `json:"cost_per_unit" validate:"omitempty,gte=0"`
	MinStock    *float64 `json:"min_stock" validate:"omitempty,gte=0"`
	Status      *string  `json:"status" validate:"omitempty,oneof=active inactive"`
	ActorID     int64    `json:"-"`
}

// AdjustInput is a manual ledger entry.
type AdjustInput struct {
	MaterialID int64         `json:"-"`
	Action     ledger.Action `json:"action" validate:"required,oneof=add reduce"`
	Quantity   float64       `json:"quantity" validate:"gt=0"`
	Reason     ledger.Reason `json:"reason" validate:"required,oneof=purchase wastage damage correction"`
	Reference  string        `json:"reference" validate:"max=255"`
	ActorID    int64         `json:"-"`
}

// ListFilter narrows material listings.
type ListFilter struct {
	Status costing.Status
	Search string
	Limit  int
	Offset int
}

// LedgerView is the audit view of one material's stock.
type LedgerView struct {
	Material    Material           `json:"material"`
	Entries     []ledger.CardEntry `json:"entries"`
	LedgerStock float64            `json:"ledger_stock"`
	CachedStock float64            `json:"cached_stock"`
	Drift       float64            `json:"drift"`
	InSync      bool               `json:"in_sync"`
}

// ReconcileResult reports one reconcile pass.
type ReconcileResult struct {
	MaterialID  int64   `json:"material_id"`
	LedgerStock float64 `json:"ledger_stock"`
	CachedStock float64 `json:"cached_stock"`
	Drift       float64 `json:"drift"`
	Corrected   bool    `json:"corrected"`
}

// StockPosting is the outcome of appending one movement.
type StockPosting struct {
	Movement ledger.Movement `json:"movement"`
	Balance  ledger.Balance  `json:"balance"`
}
