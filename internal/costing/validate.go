package costing

import (
	"fmt"
	"math"
)

// PercentTolerance is the allowed distance of an ingredient total from 100.
const PercentTolerance = 0.01

// float slack so that a sum landing exactly on the tolerance is accepted
const toleranceSlack = 1e-9

// PercentageSum totals ingredient percentages.
func PercentageSum(ings []Ingredient) float64 {
	var sum float64
	for _, ing := range ings {
		sum += ing.Percentage
	}
	return sum
}

// ValidatePercentages enforces the write-time recipe invariants: at least one
// ingredient, positive percentages, unique materials and a total within
// PercentTolerance of 100.
func ValidatePercentages(ings []Ingredient) error {
	if len(ings) == 0 {
		return ErrNoIngredients
	}
	seen := make(map[int64]struct{}, len(ings))
	for i, ing := range ings {
		if ing.MaterialID == 0 {
			return fmt.Errorf("ingredient %d: %w", i+1, ErrMaterialNotFound)
		}
		p := ing.Percentage
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return fmt.Errorf("ingredient %d: %w", i+1, ErrInvalidPercentage)
		}
		if _, dup := seen[ing.MaterialID]; dup {
			return fmt.Errorf("%w: material %d", ErrDuplicateIngredient, ing.MaterialID)
		}
		seen[ing.MaterialID] = struct{}{}
	}
	sum := PercentageSum(ings)
	if math.Abs(sum-100) > PercentTolerance+toleranceSlack {
		return fmt.Errorf("%w (got %.4f)", ErrPercentageSum, sum)
	}
	return nil
}

// CheckMaterials verifies every ingredient references a known material.
func CheckMaterials(ings []Ingredient, catalog Catalog) error {
	for _, ing := range ings {
		if _, ok := catalog[ing.MaterialID]; !ok {
			return fmt.Errorf("%w: %d", ErrMaterialNotFound, ing.MaterialID)
		}
	}
	return nil
}

// MaterialIDs lists the distinct material ids referenced by ings and subs.
func MaterialIDs(ings []Ingredient, subs Substitutions) []int64 {
	seen := make(map[int64]struct{}, len(ings)+len(subs))
	ids := make([]int64, 0, len(ings)+len(subs))
	add := func(id int64) {
		if id == 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, ing := range ings {
		add(ing.MaterialID)
	}
	for _, alt := range subs {
		add(alt)
	}
	return ids
}
