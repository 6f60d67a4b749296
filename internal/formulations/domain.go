// Package formulations manages live recipes and plans production runs
// against them.
package formulations

import (
	"errors"
	"time"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/units"
)

var (
	// ErrNotFound indicates the formulation does not exist.
	ErrNotFound = errors.New("formulations: not found")
	// ErrDuplicateName indicates another formulation uses the name.
	ErrDuplicateName = errors.New("formulations: name already exists")
	// ErrInvalidInput indicates malformed input other than recipe errors.
	ErrInvalidInput = errors.New("formulations: invalid input")
)

// Formulation is a live recipe expressed as percentages of BaseQuantity.
type Formulation struct {
	ID              int64                `json:"id"`
	Name            string               `json:"name"`
	BaseQuantity    float64              `json:"base_quantity"`
	BaseUnit        units.Unit           `json:"base_unit"`
	DefaultQuantity float64              `json:"default_quantity"`
	Status          costing.Status       `json:"status"`
	Ingredients     []costing.Ingredient `json:"ingredients"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// Spec is the calculator view.
func (f Formulation) Spec() costing.FormulationSpec {
	return costing.FormulationSpec{BaseQuantity: f.BaseQuantity, BaseUnit: f.BaseUnit, Ingredients: f.Ingredients}
}

// Active reports whether the formulation may be produced.
func (f Formulation) Active() bool {
	return f.Status == costing.StatusActive
}

// Input creates or replaces a formulation.
type Input struct {
	Name            string               `json:"name" validate:"required,max=160"`
	BaseQuantity    float64              `json:"base_quantity" validate:"gt=0"`
	BaseUnit        string               `json:"base_unit" validate:"required"`
	DefaultQuantity float64              `json:"default_quantity" validate:"gte=0"`
	Ingredients     []costing.Ingredient `json:"ingredients" validate:"required,min=1"`
	ActorID         int64                `json:"-"`
}

// QuantityLine is a typed amount of a material in its own unit.
type QuantityLine struct {
	MaterialID int64   `json:"material_id"`
	Quantity   float64 `json:"quantity"`
}

// PreviewInput asks for percentages and cost of typed quantities.
type PreviewInput struct {
	Lines []QuantityLine `json:"lines"`
}

// BuildInput authors a formulation from typed quantities.
type BuildInput struct {
	Name            string         `json:"name" validate:"required,max=160"`
	BaseUnit        string         `json:"base_unit" validate:"required"`
	DefaultQuantity float64        `json:"default_quantity" validate:"gte=0"`
	Lines           []QuantityLine `json:"lines" validate:"required,min=1"`
	ActorID         int64          `json:"-"`
}

// StatusInput toggles a formulation.
type StatusInput struct {
	Status  string `json:"status" validate:"required,oneof=active inactive"`
	ActorID int64  `json:"-"`
}

// PlanInput scales a formulation to a target. Unit defaults to the base unit.
// Substitutions and ActualQuantities are keyed by the recipe's material id.
type PlanInput struct {
	Target           float64           `json:"target" validate:"gt=0"`
	Unit             string            `json:"unit"`
	Substitutions    map[int64]int64   `json:"substitutions"`
	ActualQuantities map[int64]float64 `json:"actual_quantities"`
}

// PlanResult is a scaled recipe with cost and stock annotations.
type PlanResult struct {
	FormulationID    int64                         `json:"formulation_id"`
	Name             string                        `json:"name"`
	Active           bool                          `json:"active"`
	Target           float64                       `json:"target"`
	Unit             units.Unit                    `json:"unit"`
	ScaleFactor      float64                       `json:"scale_factor"`
	Requirements     []costing.MaterialRequirement `json:"requirements"`
	Totals           costing.PlanTotals            `json:"totals"`
	Warnings         []string                      `json:"warnings"`
	InactiveMaterial *costing.MaterialRequirement  `json:"inactive_material,omitempty"`
}

// ListFilter narrows formulation listings.
type ListFilter struct {
	Status costing.Status
	Search string
	Limit  int
	Offset int
}
