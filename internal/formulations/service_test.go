package formulations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/formulations"
	"github.com/spicemill/spicemill/internal/formulations/formulationstest"
	"github.com/spicemill/spicemill/internal/materials"
	"github.com/spicemill/spicemill/internal/materials/materialstest"
	"github.com/spicemill/spicemill/internal/units"
)

type fixture struct {
	svc      *formulations.Service
	store    *formulationstest.Store
	stock    *materialstest.Store
	cumin    materials.Material
	salt     materials.Material
	oldChili materials.Material
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	stock := materialstest.New()
	fx := fixture{
		stock:    stock,
		store:    formulationstest.New(),
		cumin:    stock.Seed(materials.Material{Name: "Cumin", Unit: units.Kilogram, CostPerUnit: 280, Status: costing.StatusActive, AvailableStock: 100}),
		salt:     stock.Seed(materials.Material{Name: "Salt", Unit: units.Gram, CostPerUnit: 0.018, Status: costing.StatusActive, AvailableStock: 500}),
		oldChili: stock.Seed(materials.Material{Name: "Old Chili", Unit: units.Gram, CostPerUnit: 0.25, Status: costing.StatusInactive, AvailableStock: 90000}),
	}
	catalog := materials.NewService(stock, nil, nil, nil, nil)
	fx.svc = formulations.NewService(fx.store, catalog, nil, nil, nil)
	return fx
}

func (fx fixture) masala() formulations.Input {
	return formulations.Input{
		Name:         "garam masala",
		BaseQuantity: 100,
		BaseUnit:     "kg",
		Ingredients: []costing.Ingredient{
			{MaterialID: fx.cumin.ID, Percentage: 25},
			{MaterialID: fx.salt.ID, Percentage: 75},
		},
	}
}

func TestCreateValidatesRecipe(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	f, err := fx.svc.Create(ctx, fx.masala())
	require.NoError(t, err)
	assert.Equal(t, "Garam Masala", f.Name)
	assert.Equal(t, costing.StatusActive, f.Status)
	require.Len(t, f.Ingredients, 2)

	dup := fx.masala()
	dup.Name = "GARAM  MASALA"
	_, err = fx.svc.Create(ctx, dup)
	require.ErrorIs(t, err, formulations.ErrDuplicateName)

	short := fx.masala()
	short.Name = "Short"
	short.Ingredients[1].Percentage = 74.98
	_, err = fx.svc.Create(ctx, short)
	require.ErrorIs(t, err, costing.ErrPercentageSum)

	unknown := fx.masala()
	unknown.Name = "Unknown"
	unknown.Ingredients[0].MaterialID = 999
	_, err = fx.svc.Create(ctx, unknown)
	require.ErrorIs(t, err, costing.ErrMaterialNotFound)
	assert.Contains(t, err.Error(), "material not found")

	zeroBase := fx.masala()
	zeroBase.Name = "Zero"
	zeroBase.BaseQuantity = 0
	_, err = fx.svc.Create(ctx, zeroBase)
	require.ErrorIs(t, err, formulations.ErrInvalidInput)

	require.Len(t, fx.store.All(), 1)
}

func TestReplaceSwapsAllIngredients(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	f, err := fx.svc.Create(ctx, fx.masala())
	require.NoError(t, err)

	in := fx.masala()
	in.Ingredients = []costing.Ingredient{{MaterialID: fx.cumin.ID, Percentage: 100}}
	in.BaseQuantity = 10
	out, err := fx.svc.Replace(ctx, f.ID, in)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, out.BaseQuantity, 1e-9)

	got, err := fx.svc.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, []costing.Ingredient{{MaterialID: fx.cumin.ID, Percentage: 100}}, got.Ingredients)

	in.Ingredients = nil
	_, err = fx.svc.Replace(ctx, f.ID, in)
	require.ErrorIs(t, err, costing.ErrNoIngredients)
	got, err = fx.svc.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, got.Ingredients, 1)
}

func TestSetStatus(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	f, err := fx.svc.Create(ctx, fx.masala())
	require.NoError(t, err)

	out, err := fx.svc.SetStatus(ctx, f.ID, formulations.StatusInput{Status: "inactive"})
	require.NoError(t, err)
	assert.False(t, out.Active())
	assert.Len(t, out.Ingredients, 2)

	_, err = fx.svc.SetStatus(ctx, f.ID, formulations.StatusInput{Status: "deleted"})
	require.ErrorIs(t, err, formulations.ErrInvalidInput)

	_, err = fx.svc.SetStatus(ctx, 404, formulations.StatusInput{Status: "active"})
	require.ErrorIs(t, err, formulations.ErrNotFound)
}

func TestPreviewMixedUnits(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.svc.Preview(context.Background(), formulations.PreviewInput{Lines: []formulations.QuantityLine{
		{MaterialID: fx.cumin.ID, Quantity: 2},
		{MaterialID: fx.salt.ID, Quantity: 500},
		{MaterialID: 0, Quantity: 3},
		{MaterialID: fx.salt.ID, Quantity: 0},
	}})
	require.NoError(t, err)
	require.Len(t, res.Ingredients, 2)
	assert.InDelta(t, 2.5, res.TotalQtyKg, 1e-9)
	assert.InDelta(t, 80.0, res.Ingredients[0].Percentage, 1e-9)
	assert.InDelta(t, 20.0, res.Ingredients[1].Percentage, 1e-9)
	assert.InDelta(t, 569.0, res.TotalCost, 1e-9)
	assert.InDelta(t, 227.6, res.CostPerKg, 1e-9)

	res, err = fx.svc.Preview(context.Background(), formulations.PreviewInput{Lines: []formulations.QuantityLine{
		{MaterialID: fx.cumin.ID, Quantity: 2},
		{MaterialID: 77, Quantity: 1},
	}})
	require.NoError(t, err)
	require.Len(t, res.Ingredients, 1)
	assert.InDelta(t, 100.0, res.TotalPercentage, 1e-9)

	_, _, err = fx.svc.CreateFromQuantities(context.Background(), formulations.BuildInput{
		Name:     "Ghost Blend",
		BaseUnit: "kg",
		Lines:    []formulations.QuantityLine{{MaterialID: fx.cumin.ID, Quantity: 2}, {MaterialID: 77, Quantity: 1}},
	})
	require.ErrorIs(t, err, costing.ErrMaterialNotFound)
	assert.Empty(t, fx.store.All())
}

func TestCreateFromQuantities(t *testing.T) {
	fx := newFixture(t)

	f, preview, err := fx.svc.CreateFromQuantities(context.Background(), formulations.BuildInput{
		Name:     "Cumin Salt",
		BaseUnit: "gm",
		Lines: []formulations.QuantityLine{
			{MaterialID: fx.cumin.ID, Quantity: 2},
			{MaterialID: fx.salt.ID, Quantity: 500},
		},
	})
	require.NoError(t, err)
	assert.InDelta(t, 2500.0, f.BaseQuantity, 1e-9)
	assert.Equal(t, units.Gram, f.BaseUnit)
	assert.InDelta(t, 569.0, preview.TotalCost, 1e-9)
	require.Len(t, f.Ingredients, 2)
	assert.InDelta(t, 80.0, f.Ingredients[0].Percentage, 1e-9)

	_, _, err = fx.svc.CreateFromQuantities(context.Background(), formulations.BuildInput{
		Name:     "Empty",
		BaseUnit: "kg",
		Lines:    []formulations.QuantityLine{{MaterialID: fx.cumin.ID, Quantity: 0}},
	})
	require.ErrorIs(t, err, costing.ErrNoIngredients)
}

func TestPlanScalesAndWarns(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	f, err := fx.svc.Create(ctx, fx.masala())
	require.NoError(t, err)

	res, err := fx.svc.Plan(ctx, f.ID, formulations.PlanInput{Target: 50000, Unit: "gm"})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, res.Target, 1e-9)
	assert.InDelta(t, 0.5, res.ScaleFactor, 1e-9)
	require.Len(t, res.Requirements, 2)
	assert.InDelta(t, 12.5, res.Requirements[0].RequiredQuantity, 1e-9)
	assert.InDelta(t, 3500.0, res.Requirements[0].Cost, 1e-9)
	assert.Equal(t, costing.StockInsufficient, res.Requirements[1].StockStatus)
	assert.InDelta(t, 37500.0, res.Requirements[1].NativeQuantity, 1e-6)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "Salt")
	assert.Nil(t, res.InactiveMaterial)

	res, err = fx.svc.Plan(ctx, f.ID, formulations.PlanInput{
		Target:           50,
		Substitutions:    map[int64]int64{fx.cumin.ID: fx.oldChili.ID},
		ActualQuantities: map[int64]float64{fx.cumin.ID: 13},
	})
	require.NoError(t, err)
	require.NotNil(t, res.InactiveMaterial)
	assert.Equal(t, fx.oldChili.ID, res.InactiveMaterial.MaterialID)
	assert.Equal(t, fx.cumin.ID, res.Requirements[0].SubstitutedFor)
	assert.InDelta(t, 250.0, res.Requirements[0].RatePerUnit, 1e-9)
	assert.InDelta(t, 13.0, res.Requirements[0].ActualQuantity, 1e-9)

	_, err = fx.svc.Plan(ctx, f.ID, formulations.PlanInput{Target: 50, Substitutions: map[int64]int64{fx.cumin.ID: 999}})
	require.ErrorIs(t, err, costing.ErrMaterialNotFound)

	_, err = fx.svc.Plan(ctx, f.ID, formulations.PlanInput{Target: 0})
	require.ErrorIs(t, err, formulations.ErrInvalidInput)
}

func TestUpsertByName(t *testing.T) {
	store := formulationstest.New()
	ctx := context.Background()
	spec := formulations.Formulation{
		Name:         "Chaat Masala",
		BaseQuantity: 10,
		BaseUnit:     units.Kilogram,
		Ingredients:  []costing.Ingredient{{MaterialID: 1, Percentage: 60}, {MaterialID: 2, Percentage: 40}},
	}

	var created bool
	var first formulations.Formulation
	err := store.WithTx(ctx, func(ctx context.Context, tx formulations.TxRepository) error {
		var err error
		first, created, err = formulations.UpsertByName(ctx, tx, spec)
		return err
	})
	require.NoError(t, err)
	assert.True(t, created)

	spec.Name = "chaat masala"
	spec.Ingredients = []costing.Ingredient{{MaterialID: 2, Percentage: 100}}
	var second formulations.Formulation
	err = store.WithTx(ctx, func(ctx context.Context, tx formulations.TxRepository) error {
		var err error
		second, created, err = formulations.UpsertByName(ctx, tx, spec)
		return err
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Chaat Masala", second.Name)

	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, spec.Ingredients, got.Ingredients)
	assert.Len(t, store.All(), 1)
}
