// Package costing converts between formulation percentages, absolute
// quantities and cost. Every function here is pure and safe for concurrent use.
package costing

import (
	"errors"

	"github.com/spicemill/spicemill/internal/units"
)

// Status marks a record as usable or soft-disabled.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// Material is the slice of a raw material record the calculator needs.
// AvailableStock is expressed in Unit.
type Material struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Unit           units.Unit `json:"unit"`
	CostPerUnit    float64    `json:"cost_per_unit"`
	Status         Status     `json:"status"`
	AvailableStock float64    `json:"available_stock"`
}

// Active reports whether the material may be consumed.
func (m Material) Active() bool {
	return m.Status != StatusInactive
}

// Ingredient is one recipe slot: a material and its share of the base quantity.
type Ingredient struct {
	MaterialID int64   `json:"material_id"`
	Percentage float64 `json:"percentage"`
}

// FormulationSpec is the calculator view of a formulation.
type FormulationSpec struct {
	BaseQuantity float64      `json:"base_quantity"`
	BaseUnit     units.Unit   `json:"base_unit"`
	Ingredients  []Ingredient `json:"ingredients"`
}

var (
	// ErrNoIngredients indicates an empty ingredient list on write.
	ErrNoIngredients = errors.New("costing: at least one ingredient required")
	// ErrPercentageSum indicates ingredient percentages do not total 100.
	ErrPercentageSum = errors.New("costing: ingredient percentages must total 100")
	// ErrInvalidPercentage indicates a non-positive or non-finite percentage.
	ErrInvalidPercentage = errors.New("costing: percentage must be greater than zero")
	// ErrDuplicateIngredient indicates the same material listed twice.
	ErrDuplicateIngredient = errors.New("costing: duplicate ingredient")
	// ErrMaterialNotFound indicates an ingredient references an unknown material.
	ErrMaterialNotFound = errors.New("material not found")
)

// Catalog indexes materials by id.
type Catalog map[int64]Material

// NewCatalog builds a Catalog from a slice.
func NewCatalog(materials []Material) Catalog {
	c := make(Catalog, len(materials))
	for _, m := range materials {
		c[m.ID] = m
	}
	return c
}
