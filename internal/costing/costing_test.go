package costing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spicemill/spicemill/internal/units"
)

var (
	cumin    = Material{ID: 1, Name: "Cumin", Unit: units.Kilogram, CostPerUnit: 280, Status: StatusActive, AvailableStock: 40}
	salt     = Material{ID: 2, Name: "Salt", Unit: units.Gram, CostPerUnit: 0.018, Status: StatusActive, AvailableStock: 5000}
	chili    = Material{ID: 3, Name: "Chili", Unit: units.Kilogram, CostPerUnit: 320, Status: StatusActive, AvailableStock: 2}
	oldChili = Material{ID: 4, Name: "Chili (old lot)", Unit: units.Gram, CostPerUnit: 0.25, Status: StatusInactive, AvailableStock: 90000}
)

func catalog() Catalog {
	return NewCatalog([]Material{cumin, salt, chili, oldChili})
}

func TestFromQuantitiesMixedUnits(t *testing.T) {
	res := FromQuantities([]QuantityRow{
		{MaterialID: cumin.ID, Quantity: 2, Material: &cumin},
		{MaterialID: salt.ID, Quantity: 500, Material: &salt},
	})

	require.Len(t, res.Ingredients, 2)
	assert.InDelta(t, 2.5, res.TotalQtyKg, 1e-9)
	assert.InDelta(t, 80, res.Ingredients[0].Percentage, 1e-9)
	assert.InDelta(t, 20, res.Ingredients[1].Percentage, 1e-9)
	assert.InDelta(t, 18, res.Ingredients[1].RatePerKg, 1e-9)
	assert.InDelta(t, 9, res.Ingredients[1].CostContribution, 1e-9)
	assert.InDelta(t, 569, res.TotalCost, 1e-9)
	assert.InDelta(t, 227.6, res.CostPerKg, 1e-9)
	assert.InDelta(t, 100, res.TotalPercentage, 1e-9)
}

func TestFromQuantitiesSkipsIncompleteRows(t *testing.T) {
	res := FromQuantities([]QuantityRow{
		{MaterialID: cumin.ID, Quantity: 3, Material: &cumin},
		{MaterialID: 9, Quantity: 1},
		{MaterialID: salt.ID, Quantity: 0, Material: &salt},
		{MaterialID: salt.ID, Quantity: -2, Material: &salt},
		{MaterialID: chili.ID, Quantity: math.NaN(), Material: &chili},
	})
	require.Len(t, res.Ingredients, 1)
	assert.InDelta(t, 100, res.Ingredients[0].Percentage, 1e-9)
	assert.InDelta(t, 3, res.TotalQtyKg, 1e-9)
}

func TestFromQuantitiesEmpty(t *testing.T) {
	res := FromQuantities(nil)
	assert.Empty(t, res.Ingredients)
	assert.Zero(t, res.TotalQtyKg)
	assert.Zero(t, res.TotalCost)
	assert.Zero(t, res.CostPerKg)
	assert.Zero(t, res.TotalPercentage)

	res = FromQuantities([]QuantityRow{{MaterialID: 1, Quantity: 0, Material: &cumin}})
	assert.Zero(t, res.TotalPercentage)
}

func TestFromQuantitiesSameUnitSumsTo100(t *testing.T) {
	k1 := Material{ID: 11, Unit: units.Kilogram, CostPerUnit: 10}
	k2 := Material{ID: 12, Unit: units.Kilogram, CostPerUnit: 20}
	k3 := Material{ID: 13, Unit: units.Kilogram, CostPerUnit: 30}
	for _, qs := range [][3]float64{{1, 1, 1}, {0.3, 7, 11.11}, {1000, 0.001, 3}} {
		res := FromQuantities([]QuantityRow{
			{MaterialID: 11, Quantity: qs[0], Material: &k1},
			{MaterialID: 12, Quantity: qs[1], Material: &k2},
			{MaterialID: 13, Quantity: qs[2], Material: &k3},
		})
		assert.InDelta(t, 100, res.TotalPercentage, 0.01)
	}
}

func TestPlanScalesAndCosts(t *testing.T) {
	x := Material{ID: 7, Name: "X", Unit: units.Kilogram, CostPerUnit: 280, Status: StatusActive, AvailableStock: 100}
	spec := FormulationSpec{BaseQuantity: 100, BaseUnit: units.Kilogram, Ingredients: []Ingredient{{MaterialID: 7, Percentage: 25}}}

	reqs, err := Plan(spec, 50, NewCatalog([]Material{x}), nil)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.InDelta(t, 12.5, reqs[0].RequiredQuantity, 1e-9)
	assert.InDelta(t, 12.5, reqs[0].ActualQuantity, 1e-9)
	assert.InDelta(t, 3500, reqs[0].Cost, 1e-9)
	assert.Equal(t, StockSufficient, reqs[0].StockStatus)
}

func TestPlanConvertsMaterialUnits(t *testing.T) {
	spec := FormulationSpec{BaseQuantity: 10, BaseUnit: units.Kilogram, Ingredients: []Ingredient{
		{MaterialID: cumin.ID, Percentage: 60},
		{MaterialID: salt.ID, Percentage: 40},
	}}
	reqs, err := Plan(spec, 20, catalog(), nil)
	require.NoError(t, err)

	saltReq := reqs[1]
	assert.InDelta(t, 8, saltReq.RequiredQuantity, 1e-9)
	assert.InDelta(t, 8000, saltReq.NativeQuantity, 1e-6)
	assert.InDelta(t, 5, saltReq.AvailableStock, 1e-9)
	assert.Equal(t, StockInsufficient, saltReq.StockStatus)
	assert.InDelta(t, 18, saltReq.RatePerUnit, 1e-9)
	assert.InDelta(t, 144, saltReq.Cost, 1e-9)

	totals := Totals(reqs)
	assert.InDelta(t, 20, totals.RequiredQuantity, 1e-9)
	assert.InDelta(t, 12*280+144, totals.Cost, 1e-9)
}

func TestPlanInsufficientIsNotAnError(t *testing.T) {
	spec := FormulationSpec{BaseQuantity: 1, BaseUnit: units.Kilogram, Ingredients: []Ingredient{{MaterialID: chili.ID, Percentage: 100}}}
	reqs, err := Plan(spec, 50, catalog(), nil)
	require.NoError(t, err)
	assert.Equal(t, StockInsufficient, reqs[0].StockStatus)
	assert.Len(t, Insufficient(reqs), 1)
	_, inactive := FirstInactive(reqs)
	assert.False(t, inactive)
}

func TestPlanSubstitution(t *testing.T) {
	spec := FormulationSpec{BaseQuantity: 100, BaseUnit: units.Kilogram, Ingredients: []Ingredient{
		{MaterialID: chili.ID, Percentage: 30},
		{MaterialID: cumin.ID, Percentage: 70},
	}}
	reqs, err := Plan(spec, 100, catalog(), Substitutions{chili.ID: oldChili.ID})
	require.NoError(t, err)

	sub := reqs[0]
	assert.Equal(t, oldChili.ID, sub.MaterialID)
	assert.Equal(t, chili.ID, sub.SubstitutedFor)
	assert.InDelta(t, 30, sub.Percentage, 1e-9)
	assert.InDelta(t, 30, sub.RequiredQuantity, 1e-9)
	assert.InDelta(t, 90, sub.AvailableStock, 1e-9)
	assert.Equal(t, StockSufficient, sub.StockStatus)
	assert.InDelta(t, 250, sub.RatePerUnit, 1e-9)
	assert.InDelta(t, 7500, sub.Cost, 1e-9)
	assert.Equal(t, units.Gram, sub.MaterialUnit)

	bad, inactive := FirstInactive(reqs)
	require.True(t, inactive)
	assert.Equal(t, oldChili.ID, bad.MaterialID)

	back := Substitute(sub, chili)
	assert.Equal(t, chili.ID, back.MaterialID)
	assert.Zero(t, back.SubstitutedFor)
	assert.Equal(t, StockInsufficient, back.StockStatus)
}

func TestPlanUnknownMaterial(t *testing.T) {
	spec := FormulationSpec{BaseQuantity: 1, BaseUnit: units.Kilogram, Ingredients: []Ingredient{{MaterialID: 99, Percentage: 100}}}
	_, err := Plan(spec, 1, catalog(), nil)
	require.ErrorIs(t, err, ErrMaterialNotFound)

	spec.Ingredients[0].MaterialID = cumin.ID
	_, err = Plan(spec, 1, catalog(), Substitutions{cumin.ID: 42})
	require.ErrorIs(t, err, ErrMaterialNotFound)
}

func TestPlanZeroBase(t *testing.T) {
	spec := FormulationSpec{BaseQuantity: 0, BaseUnit: units.Kilogram, Ingredients: []Ingredient{{MaterialID: cumin.ID, Percentage: 100}}}
	reqs, err := Plan(spec, 10, catalog(), nil)
	require.NoError(t, err)
	assert.Zero(t, reqs[0].RequiredQuantity)
	assert.False(t, math.IsNaN(reqs[0].Cost))
	assert.Zero(t, Totals(reqs).CostPerUnit)
}

func TestWithActual(t *testing.T) {
	spec := FormulationSpec{BaseQuantity: 10, BaseUnit: units.Kilogram, Ingredients: []Ingredient{{MaterialID: chili.ID, Percentage: 100}}}
	reqs, err := Plan(spec, 10, catalog(), Substitutions{chili.ID: oldChili.ID})
	require.NoError(t, err)
	adj := WithActual(reqs, map[int64]float64{chili.ID: 11})
	assert.InDelta(t, 11, adj[0].ActualQuantity, 1e-9)
	assert.InDelta(t, 11000, adj[0].ActualNative(), 1e-6)
	assert.InDelta(t, 10, reqs[0].ActualQuantity, 1e-9)
	assert.InDelta(t, 11*250, Totals(adj).ActualCost, 1e-9)
}

func TestValidatePercentages(t *testing.T) {
	ok := func(p1, p2 float64) error {
		return ValidatePercentages([]Ingredient{{MaterialID: 1, Percentage: p1}, {MaterialID: 2, Percentage: p2}})
	}
	require.NoError(t, ok(60, 40))
	require.NoError(t, ok(60, 40.005))
	require.NoError(t, ok(60, 39.99))
	require.NoError(t, ok(60, 40.01))
	require.ErrorIs(t, ok(60, 39.98), ErrPercentageSum)
	require.ErrorIs(t, ok(60, 40.02), ErrPercentageSum)
	require.ErrorIs(t, ok(100, 0), ErrInvalidPercentage)

	require.ErrorIs(t, ValidatePercentages(nil), ErrNoIngredients)
	require.ErrorIs(t, ValidatePercentages([]Ingredient{{MaterialID: 1, Percentage: 50}, {MaterialID: 1, Percentage: 50}}), ErrDuplicateIngredient)
}

func TestRoundTripPercentages(t *testing.T) {
	mats := []Material{
		{ID: 1, Unit: units.Kilogram, CostPerUnit: 100},
		{ID: 2, Unit: units.Gram, CostPerUnit: 0.2},
		{ID: 3, Unit: units.Kilogram, CostPerUnit: 55},
	}
	cat := NewCatalog(mats)
	recipes := [][]Ingredient{
		{{MaterialID: 1, Percentage: 50}, {MaterialID: 2, Percentage: 30}, {MaterialID: 3, Percentage: 20}},
		{{MaterialID: 1, Percentage: 33.33}, {MaterialID: 2, Percentage: 33.33}, {MaterialID: 3, Percentage: 33.34}},
		{{MaterialID: 2, Percentage: 99.5}, {MaterialID: 3, Percentage: 0.5}},
	}
	for _, base := range []float64{0.25, 1, 100, 7500} {
		for _, baseUnit := range []units.Unit{units.Kilogram, units.Gram} {
			for _, ings := range recipes {
				require.NoError(t, ValidatePercentages(ings))
				reqs, err := Plan(FormulationSpec{BaseQuantity: base, BaseUnit: baseUnit, Ingredients: ings}, base, cat, nil)
				require.NoError(t, err)

				rows := make([]QuantityRow, 0, len(reqs))
				for _, r := range reqs {
					m := cat[r.MaterialID]
					rows = append(rows, QuantityRow{MaterialID: r.MaterialID, Quantity: r.NativeQuantity, Material: &m})
				}
				back := FromQuantities(rows).Recipe()
				require.Len(t, back, len(ings))
				for i := range ings {
					assert.InDelta(t, ings[i].Percentage, back[i].Percentage, 0.01)
				}
			}
		}
	}
}

func TestMaterialIDs(t *testing.T) {
	ids := MaterialIDs([]Ingredient{{MaterialID: 1}, {MaterialID: 2}, {MaterialID: 1}}, Substitutions{2: 5, 1: 1})
	assert.ElementsMatch(t, []int64{1, 2, 5}, ids)
}

func TestQuantitiesForRoundTrip(t *testing.T) {
	ings := []Ingredient{{MaterialID: 1, Percentage: 12.5}, {MaterialID: 2, Percentage: 62.49}, {MaterialID: 3, Percentage: 25.01}}
	for _, base := range []float64{0.001, 3, 250, 1e6} {
		back := PercentagesOf(ings, QuantitiesFor(ings, base))
		for i := range ings {
			assert.InDelta(t, ings[i].Percentage, back[i].Percentage, 0.01)
		}
	}
	assert.Empty(t, QuantitiesFor(ings, 0))
	assert.Zero(t, PercentagesOf(ings, nil)[0].Percentage)
}
