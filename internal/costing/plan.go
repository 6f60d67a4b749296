package costing

import (
	"fmt"

	"github.com/spicemill/spicemill/internal/units"
)

// StockStatus annotates whether available stock covers a requirement.
type StockStatus string

const (
	StockSufficient   StockStatus = "sufficient"
	StockInsufficient StockStatus = "insufficient"
)

const stockEpsilon = 1e-9

// Substitutions maps an ingredient's original material to the alternative
// chosen for this run.
type Substitutions map[int64]int64

// MaterialRequirement is one scaled ingredient. Quantities, stock and rate are
// expressed in Unit (the formulation base unit); NativeQuantity is the same
// requirement in the material's own unit.
type MaterialRequirement struct {
	MaterialID       int64       `json:"material_id"`
	SubstitutedFor   int64       `json:"substituted_for,omitempty"`
	Name             string      `json:"name,omitempty"`
	Percentage       float64     `json:"percentage"`
	RequiredQuantity float64     `json:"required_quantity"`
	ActualQuantity   float64     `json:"actual_quantity"`
	Unit             units.Unit  `json:"unit"`
	MaterialUnit     units.Unit  `json:"material_unit"`
	NativeQuantity   float64     `json:"native_quantity"`
	AvailableStock   float64     `json:"available_stock"`
	StockStatus      StockStatus `json:"stock_status"`
	RatePerUnit      float64     `json:"rate_per_unit"`
	Cost             float64     `json:"cost"`
	MaterialStatus   Status      `json:"material_status"`
}

// ActualCost is the cost of ActualQuantity at the requirement's rate.
func (r MaterialRequirement) ActualCost() float64 {
	return r.ActualQuantity * r.RatePerUnit
}

// ActualNative is ActualQuantity expressed in the material's own unit.
func (r MaterialRequirement) ActualNative() float64 {
	return units.Convert(r.ActualQuantity, r.Unit, r.MaterialUnit)
}

// ScaleFactor is target/base, or 0 when base is not positive.
func ScaleFactor(base, target float64) float64 {
	if base <= 0 {
		return 0
	}
	return target / base
}

// Plan scales a formulation to target (in spec.BaseUnit) and annotates each
// ingredient with cost and stock sufficiency. Sufficiency never produces an
// error; an unknown material (original or substitute) does.
func Plan(spec FormulationSpec, target float64, catalog Catalog, subs Substitutions) ([]MaterialRequirement, error) {
	scale := ScaleFactor(spec.BaseQuantity, target)
	reqs := make([]MaterialRequirement, 0, len(spec.Ingredients))
	for _, ing := range spec.Ingredients {
		chosenID := ing.MaterialID
		var substitutedFor int64
		if alt, ok := subs[ing.MaterialID]; ok && alt != 0 && alt != ing.MaterialID {
			chosenID = alt
			substitutedFor = ing.MaterialID
		}
		if _, ok := catalog[ing.MaterialID]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrMaterialNotFound, ing.MaterialID)
		}
		m, ok := catalog[chosenID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrMaterialNotFound, chosenID)
		}
		required := (ing.Percentage / 100) * spec.BaseQuantity * scale
		reqs = append(reqs, requirementFor(m, spec.BaseUnit, ing.Percentage, required, substitutedFor))
	}
	return reqs, nil
}

// Substitute recomputes a requirement against an alternative material while
// keeping the recipe percentage and required quantity.
func Substitute(r MaterialRequirement, alt Material) MaterialRequirement {
	original := r.MaterialID
	if r.SubstitutedFor != 0 {
		original = r.SubstitutedFor
	}
	out := requirementFor(alt, r.Unit, r.Percentage, r.RequiredQuantity, original)
	if alt.ID == original {
		out.SubstitutedFor = 0
	}
	out.ActualQuantity = r.ActualQuantity
	return out
}

func requirementFor(m Material, base units.Unit, pct, required float64, substitutedFor int64) MaterialRequirement {
	available := units.Convert(m.AvailableStock, m.Unit, base)
	status := StockSufficient
	if available+stockEpsilon < required {
		status = StockInsufficient
	}
	rate := units.RateIn(m.CostPerUnit, m.Unit, base)
	return MaterialRequirement{
		MaterialID:       m.ID,
		SubstitutedFor:   substitutedFor,
		Name:             m.Name,
		Percentage:       pct,
		RequiredQuantity: required,
		ActualQuantity:   required,
		Unit:             base,
		MaterialUnit:     m.Unit,
		NativeQuantity:   units.Convert(required, base, m.Unit),
		AvailableStock:   available,
		StockStatus:      status,
		RatePerUnit:      rate,
		Cost:             required * rate,
		MaterialStatus:   m.Status,
	}
}

// WithActual overrides ActualQuantity for the listed materials. Keys are the
// original ingredient material ids. Non-positive overrides are ignored.
func WithActual(reqs []MaterialRequirement, actual map[int64]float64) []MaterialRequirement {
	out := make([]MaterialRequirement, len(reqs))
	copy(out, reqs)
	for i := range out {
		key := out[i].MaterialID
		if out[i].SubstitutedFor != 0 {
			key = out[i].SubstitutedFor
		}
		if q, ok := actual[key]; ok && q > 0 {
			out[i].ActualQuantity = q
		}
	}
	return out
}

// FirstInactive returns the first requirement whose chosen material is
// inactive.
func FirstInactive(reqs []MaterialRequirement) (MaterialRequirement, bool) {
	for _, r := range reqs {
		if r.MaterialStatus == StatusInactive {
			return r, true
		}
	}
	return MaterialRequirement{}, false
}

// Insufficient lists requirements flagged as insufficient.
func Insufficient(reqs []MaterialRequirement) []MaterialRequirement {
	var out []MaterialRequirement
	for _, r := range reqs {
		if r.StockStatus == StockInsufficient {
			out = append(out, r)
		}
	}
	return out
}

// PlanTotals aggregates a plan.
type PlanTotals struct {
	RequiredQuantity float64 `json:"required_quantity"`
	ActualQuantity   float64 `json:"actual_quantity"`
	Cost             float64 `json:"cost"`
	ActualCost       float64 `json:"actual_cost"`
	CostPerUnit      float64 `json:"cost_per_unit"`
}

// Totals sums a plan. CostPerUnit is actual cost over actual quantity.
func Totals(reqs []MaterialRequirement) PlanTotals {
	var t PlanTotals
	for _, r := range reqs {
		t.RequiredQuantity += r.RequiredQuantity
		t.ActualQuantity += r.ActualQuantity
		t.Cost += r.Cost
		t.ActualCost += r.ActualCost()
	}
	t.CostPerUnit = ratio(t.ActualCost, t.ActualQuantity)
	return t
}
