package costing

import (
	"math"

	"github.com/spicemill/spicemill/internal/units"
)

// QuantityRow is one typed line: a material and an amount in the material's
// own unit.
type QuantityRow struct {
	MaterialID int64     `json:"material_id"`
	Quantity   float64   `json:"quantity"`
	Material   *Material `json:"-"`
}

// CalculatedIngredient is the derived view of one included row.
type CalculatedIngredient struct {
	MaterialID       int64      `json:"material_id"`
	Name             string     `json:"name,omitempty"`
	Percentage       float64    `json:"percentage"`
	Quantity         float64    `json:"quantity"`
	Unit             units.Unit `json:"unit"`
	QuantityKg       float64    `json:"quantity_kg"`
	RatePerKg        float64    `json:"rate_per_kg"`
	CostContribution float64    `json:"cost_contribution"`
}

// QuantityResult aggregates FromQuantities.
type QuantityResult struct {
	Ingredients     []CalculatedIngredient `json:"ingredients"`
	TotalQtyKg      float64                `json:"total_qty_kg"`
	TotalCost       float64                `json:"total_cost"`
	CostPerKg       float64                `json:"cost_per_kg"`
	TotalPercentage float64                `json:"total_percentage"`
}

// FromQuantities derives percentages and cost from typed quantities.
// Incomplete rows (no material, blank or non-positive quantity) are skipped.
func FromQuantities(rows []QuantityRow) QuantityResult {
	result := QuantityResult{Ingredients: []CalculatedIngredient{}}
	for _, row := range rows {
		id, ok := includedID(row)
		if !ok {
			continue
		}
		m := row.Material
		qtyKg := units.ToKg(row.Quantity, m.Unit)
		rate := units.RatePerKg(m.CostPerUnit, m.Unit)
		result.Ingredients = append(result.Ingredients, CalculatedIngredient{
			MaterialID:       id,
			Name:             m.Name,
			Quantity:         row.Quantity,
			Unit:             m.Unit,
			QuantityKg:       qtyKg,
			RatePerKg:        rate,
			CostContribution: qtyKg * rate,
		})
		result.TotalQtyKg += qtyKg
	}
	if result.TotalQtyKg <= 0 {
		return QuantityResult{Ingredients: []CalculatedIngredient{}}
	}
	for i := range result.Ingredients {
		ing := &result.Ingredients[i]
		ing.Percentage = ratio(ing.QuantityKg, result.TotalQtyKg) * 100
		result.TotalCost += ing.CostContribution
		result.TotalPercentage += ing.Percentage
	}
	result.CostPerKg = ratio(result.TotalCost, result.TotalQtyKg)
	return result
}

// Recipe converts the result into recipe slots.
func (r QuantityResult) Recipe() []Ingredient {
	out := make([]Ingredient, 0, len(r.Ingredients))
	for _, ing := range r.Ingredients {
		out = append(out, Ingredient{MaterialID: ing.MaterialID, Percentage: ing.Percentage})
	}
	return out
}

func includedID(row QuantityRow) (int64, bool) {
	if row.Material == nil {
		return 0, false
	}
	q := row.Quantity
	if math.IsNaN(q) || math.IsInf(q, 0) || q <= 0 {
		return 0, false
	}
	id := row.MaterialID
	if id == 0 {
		id = row.Material.ID
	}
	return id, id != 0
}

func ratio(num, den float64) float64 {
	if den == 0 || math.IsNaN(den) {
		return 0
	}
	return num / den
}

// QuantitiesFor expands percentages of base into absolute quantities, in the
// unit base is expressed in.
func QuantitiesFor(ings []Ingredient, base float64) map[int64]float64 {
	out := make(map[int64]float64, len(ings))
	if base <= 0 {
		return out
	}
	for _, ing := range ings {
		out[ing.MaterialID] += ing.Percentage / 100 * base
	}
	return out
}

// PercentagesOf is the inverse of QuantitiesFor for a single unit family.
func PercentagesOf(ings []Ingredient, quantities map[int64]float64) []Ingredient {
	var total float64
	for _, ing := range ings {
		total += quantities[ing.MaterialID]
	}
	out := make([]Ingredient, 0, len(ings))
	for _, ing := range ings {
		out = append(out, Ingredient{MaterialID: ing.MaterialID, Percentage: ratio(quantities[ing.MaterialID], total) * 100})
	}
	return out
}
