package research

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spicemill/spicemill/internal/costing"
	"github.com/spicemill/spicemill/internal/formulations"
	"github.com/spicemill/spicemill/internal/formulations/formulationstest"
	"github.com/spicemill/spicemill/internal/materials"
	"github.com/spicemill/spicemill/internal/materials/materialstest"
	"github.com/spicemill/spicemill/internal/shared"
	"github.com/spicemill/spicemill/internal/units"
)

type memoryRepo struct {
	drafts map[int64]Draft
	nextID int64
	live   *formulationstest.Store
	failOn string
}

type memoryTx struct {
	repo *memoryRepo
	ftx  formulations.TxRepository
}

func newMemoryRepo(live *formulationstest.Store) *memoryRepo {
	return &memoryRepo{drafts: map[int64]Draft{}, live: live}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snap := make(map[int64]Draft, len(r.drafts))
	for k, v := range r.drafts {
		snap[k] = v
	}
	nextID := r.nextID
	err := r.live.RunTx(func(ftx formulations.TxRepository) error {
		return fn(ctx, &memoryTx{repo: r, ftx: ftx})
	})
	if err != nil {
		r.drafts = snap
		r.nextID = nextID
	}
	return err
}

func (r *memoryRepo) Get(_ context.Context, id int64) (Draft, error) {
	d, ok := r.drafts[id]
	if !ok {
		return Draft{}, ErrNotFound
	}
	return d, nil
}

func (r *memoryRepo) List(_ context.Context, filter ListFilter) ([]Draft, int, error) {
	out := []Draft{}
	for _, d := range r.drafts {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.ResearcherID != 0 && d.ResearcherID != filter.ResearcherID {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (tx *memoryTx) Insert(_ context.Context, d Draft) (Draft, error) {
	tx.repo.nextID++
	d.ID = tx.repo.nextID
	tx.repo.drafts[d.ID] = d
	return d, nil
}

func (tx *memoryTx) GetForUpdate(ctx context.Context, id int64) (Draft, error) {
	return tx.repo.Get(ctx, id)
}

func (tx *memoryTx) Update(_ context.Context, d Draft) (Draft, error) {
	if tx.repo.failOn == "update" {
		return Draft{}, errors.New("update failed")
	}
	current, ok := tx.repo.drafts[d.ID]
	if !ok {
		return Draft{}, ErrNotFound
	}
	d.Ingredients = current.Ingredients
	tx.repo.drafts[d.ID] = d
	return d, nil
}

func (tx *memoryTx) ReplaceIngredients(_ context.Context, id int64, ings []costing.Ingredient) error {
	d := tx.repo.drafts[id]
	d.Ingredients = append([]costing.Ingredient{}, ings...)
	tx.repo.drafts[id] = d
	return nil
}

func (tx *memoryTx) Formulations() formulations.TxRepository {
	return tx.ftx
}

type approvalSpy struct {
	logs []shared.ApprovalLog
}

func (a *approvalSpy) Record(_ context.Context, log shared.ApprovalLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	a.logs = append(a.logs, log)
	return nil
}

func (a *approvalSpy) List(_ context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	out := []shared.ApprovalLog{}
	for _, l := range a.logs {
		if l.Module == module && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

var (
	admin      = shared.Actor{ID: 1, Name: "Admin", Status: shared.ActorActive, Roles: []string{shared.RoleAdmin}}
	researcher = shared.Actor{ID: 2, Name: "Researcher", Status: shared.ActorActive, Roles: []string{shared.RoleResearcher}, Permissions: shared.ResearcherScopes()}
	colleague  = shared.Actor{ID: 3, Name: "Colleague", Status: shared.ActorActive, Roles: []string{shared.RoleResearcher}, Permissions: shared.ResearcherScopes()}
)

type fixture struct {
	svc       *Service
	repo      *memoryRepo
	live      *formulationstest.Store
	approvals *approvalSpy
	chili     materials.Material
	coriander materials.Material
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	stock := materialstest.New()
	chili := stock.Seed(materials.Material{Name: "Chili", Unit: units.Kilogram, CostPerUnit: 300, Status: costing.StatusActive, AvailableStock: 40})
	coriander := stock.Seed(materials.Material{Name: "Coriander", Unit: units.Gram, CostPerUnit: 0.12, Status: costing.StatusActive, AvailableStock: 20000})
	catalog := materials.NewService(stock, nil, nil, nil, nil)
	live := formulationstest.New()
	planner := formulations.NewService(live, catalog, nil, nil, nil)
	repo := newMemoryRepo(live)
	approvals := &approvalSpy{}
	svc := NewService(repo, approvals, catalog, planner, nil, nil)
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return fixture{svc: svc, repo: repo, live: live, approvals: approvals, chili: chili, coriander: coriander}
}

func (fx fixture) input(chiliPct float64) SubmitInput {
	return SubmitInput{
		Name:         "sambar powder",
		BaseQuantity: 10,
		BaseUnit:     "kg",
		Ingredients: []costing.Ingredient{
			{MaterialID: fx.chili.ID, Percentage: chiliPct},
			{MaterialID: fx.coriander.ID, Percentage: 100 - chiliPct},
		},
	}
}

func TestNextTransitions(t *testing.T) {
	cases := []struct {
		from   Status
		action Action
		want   Status
		ok     bool
	}{
		{StatusPending, ActionApprove, StatusApproved, true},
		{StatusPending, ActionReject, StatusRejected, true},
		{StatusRejected, ActionResubmit, StatusPending, true},
		{StatusApproved, ActionApprove, StatusApproved, false},
		{StatusApproved, ActionReject, StatusApproved, false},
		{StatusRejected, ActionApprove, StatusRejected, false},
		{StatusPending, ActionResubmit, StatusPending, false},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.action)
		assert.Equal(t, tc.want, got)
		if tc.ok {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, ErrInvalidState)
		}
	}
}

func TestSubmitValidates(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	d, err := fx.svc.Submit(ctx, researcher, fx.input(40))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, "Sambar Powder", d.Name)
	assert.Equal(t, researcher.ID, d.ResearcherID)
	require.Len(t, fx.approvals.logs, 1)
	assert.Equal(t, shared.ApprovalSubmit, fx.approvals.logs[0].Action)

	bad := fx.input(40)
	bad.Ingredients[1].Percentage = 59.5
	_, err = fx.svc.Submit(ctx, researcher, bad)
	require.ErrorIs(t, err, costing.ErrPercentageSum)

	_, err = fx.svc.Submit(ctx, shared.Actor{ID: 9, Status: shared.ActorInactive}, fx.input(40))
	require.ErrorIs(t, err, shared.ErrInactiveActor)
}

func TestApprovePromotesIntoLiveFormulation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	d, err := fx.svc.Submit(ctx, researcher, fx.input(40))
	require.NoError(t, err)

	_, err = fx.svc.Approve(ctx, researcher, d.ID)
	require.ErrorIs(t, err, ErrReviewerRequired)

	approved, err := fx.svc.Approve(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, admin.ID, approved.ReviewedBy)
	require.NotNil(t, approved.ReviewedAt)
	require.NotZero(t, approved.FormulationID)

	live, err := fx.live.Get(ctx, approved.FormulationID)
	require.NoError(t, err)
	assert.Equal(t, "Sambar Powder", live.Name)
	assert.True(t, live.Active())
	assert.Equal(t, d.Ingredients, live.Ingredients)

	_, err = fx.svc.Approve(ctx, admin, d.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = fx.svc.Reject(ctx, admin, d.ID, RejectInput{Reason: "too late now"})
	require.ErrorIs(t, err, ErrInvalidState)

	history, err := fx.svc.History(ctx, researcher, d.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, shared.ApprovalApprove, history[1].Action)
}

func TestApproveReplacesExistingFormulationWithSameName(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	existing := fx.live.Seed(formulations.Formulation{
		Name:            "Sambar Powder",
		BaseQuantity:    5,
		BaseUnit:        units.Kilogram,
		DefaultQuantity: 25,
		Status:          costing.StatusInactive,
		Ingredients:     []costing.Ingredient{{MaterialID: fx.chili.ID, Percentage: 100}},
	})
	d, err := fx.svc.Submit(ctx, researcher, fx.input(30))
	require.NoError(t, err)

	approved, err := fx.svc.Approve(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, approved.FormulationID)

	live, err := fx.live.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, live.BaseQuantity, 1e-9)
	assert.InDelta(t, 25.0, live.DefaultQuantity, 1e-9)
	assert.True(t, live.Active())
	require.Len(t, live.Ingredients, 2)
	assert.InDelta(t, 30.0, live.Ingredients[0].Percentage, 1e-9)
	assert.Len(t, fx.live.All(), 1)
}

func TestApproveRollsBackPromotionOnFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	d, err := fx.svc.Submit(ctx, researcher, fx.input(40))
	require.NoError(t, err)

	fx.repo.failOn = "update"
	_, err = fx.svc.Approve(ctx, admin, d.ID)
	require.Error(t, err)
	assert.Empty(t, fx.live.All())

	got, err := fx.svc.Get(ctx, researcher, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestRejectAndResubmit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	d, err := fx.svc.Submit(ctx, researcher, fx.input(40))
	require.NoError(t, err)

	_, err = fx.svc.Reject(ctx, admin, d.ID, RejectInput{Reason: "   "})
	require.ErrorIs(t, err, ErrReasonRequired)
	_, err = fx.svc.Reject(ctx, admin, d.ID, RejectInput{Reason: "hot"})
	require.ErrorIs(t, err, ErrReasonRequired)

	rejected, err := fx.svc.Reject(ctx, admin, d.ID, RejectInput{Reason: "  too much chili "})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "too much chili", rejected.RejectionReason)

	_, err = fx.svc.Approve(ctx, admin, d.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = fx.svc.Resubmit(ctx, colleague, d.ID, fx.input(25))
	require.ErrorIs(t, err, ErrNotOwner)

	resubmitted, err := fx.svc.Resubmit(ctx, researcher, d.ID, fx.input(25))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, resubmitted.Status)
	assert.Empty(t, resubmitted.RejectionReason)
	assert.Nil(t, resubmitted.ReviewedAt)

	got, err := fx.svc.Get(ctx, researcher, d.ID)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, got.Ingredients[0].Percentage, 1e-9)

	_, err = fx.svc.Resubmit(ctx, researcher, d.ID, fx.input(25))
	require.ErrorIs(t, err, ErrInvalidState)

	actions := []shared.ApprovalAction{}
	for _, l := range fx.approvals.logs {
		actions = append(actions, l.Action)
	}
	assert.Equal(t, []shared.ApprovalAction{shared.ApprovalSubmit, shared.ApprovalReject, shared.ApprovalSubmit}, actions)
}

func TestListScopesToOwnerForNonReviewers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.svc.Submit(ctx, researcher, fx.input(40))
	require.NoError(t, err)
	other := fx.input(50)
	other.Name = "Rasam Powder"
	_, err = fx.svc.Submit(ctx, colleague, other)
	require.NoError(t, err)

	mine, total, err := fx.svc.List(ctx, researcher, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, researcher.ID, mine[0].ResearcherID)

	_, total, err = fx.svc.List(ctx, admin, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestPreviewCostsDraft(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	d, err := fx.svc.Submit(ctx, researcher, fx.input(40))
	require.NoError(t, err)

	res, err := fx.svc.Preview(ctx, researcher, d.ID)
	require.NoError(t, err)
	require.Len(t, res.Requirements, 2)
	assert.InDelta(t, 4.0, res.Requirements[0].RequiredQuantity, 1e-9)
	assert.InDelta(t, 1200.0, res.Requirements[0].Cost, 1e-9)
	assert.InDelta(t, 720.0, res.Requirements[1].Cost, 1e-9)
	assert.InDelta(t, 1920.0, res.Totals.Cost, 1e-9)
	assert.Empty(t, res.Warnings)
}

func TestReadsHideOtherResearchersDrafts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	d, err := fx.svc.Submit(ctx, researcher, fx.input(40))
	require.NoError(t, err)

	_, err = fx.svc.Get(ctx, colleague, d.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = fx.svc.History(ctx, colleague, d.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = fx.svc.Preview(ctx, colleague, d.ID)
	require.ErrorIs(t, err, ErrNotFound)

	got, err := fx.svc.Get(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, researcher.ID, got.ResearcherID)
	_, err = fx.svc.History(ctx, admin, d.ID)
	require.NoError(t, err)
}
