package ledger

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mv(id int64, action Action, qty float64, at time.Time) Movement {
	return Movement{ID: id, MaterialID: 1, Action: action, Quantity: qty, Reason: ReasonCorrection, CreatedAt: at}
}

func TestAvailableStockIsOrderIndependent(t *testing.T) {
	now := time.Now()
	a := []Movement{mv(1, ActionAdd, 100, now), mv(2, ActionReduce, 30, now), mv(3, ActionAdd, 20, now)}
	b := []Movement{a[1], a[0], a[2]}

	require.InDelta(t, 90, AvailableStock(a), 1e-9)
	require.InDelta(t, 90, AvailableStock(b), 1e-9)

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]Movement(nil), a...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		require.InDelta(t, 90, AvailableStock(shuffled), 1e-9)
	}
}

func TestAvailableStockEmptyAndNegative(t *testing.T) {
	require.Zero(t, AvailableStock(nil))
	require.Zero(t, AvailableStock([]Movement{}))

	now := time.Now()
	got := AvailableStock([]Movement{mv(1, ActionAdd, 5, now), mv(2, ActionReduce, 12.5, now)})
	require.InDelta(t, -7.5, got, 1e-9)
}

func TestCardRunningBalance(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	movements := []Movement{
		mv(3, ActionReduce, 30, base.Add(2*time.Hour)),
		mv(1, ActionAdd, 100, base),
		mv(2, ActionAdd, 20, base.Add(time.Hour)),
	}
	card := Card(movements)
	require.Len(t, card, 3)
	require.Equal(t, int64(1), card[0].ID)
	require.InDelta(t, 100, card[0].Balance, 1e-9)
	require.InDelta(t, 120, card[1].Balance, 1e-9)
	require.InDelta(t, 90, card[2].Balance, 1e-9)
	// input untouched
	require.Equal(t, int64(3), movements[0].ID)
}

func TestValidate(t *testing.T) {
	ok := Movement{MaterialID: 1, Action: ActionAdd, Quantity: 1, Reason: ReasonPurchase}
	require.NoError(t, ok.Validate())

	bad := []Movement{
		{Action: ActionAdd, Quantity: 1, Reason: ReasonPurchase},
		{MaterialID: 1, Action: "move", Quantity: 1, Reason: ReasonPurchase},
		{MaterialID: 1, Action: ActionAdd, Quantity: 1, Reason: "gift"},
		{MaterialID: 1, Action: ActionReduce, Quantity: 0, Reason: ReasonDamage},
		{MaterialID: 1, Action: ActionReduce, Quantity: -4, Reason: ReasonDamage},
	}
	for _, m := range bad {
		require.ErrorIs(t, m.Validate(), ErrInvalidMovement)
	}
}

func TestApplyAndDrift(t *testing.T) {
	b := Balance{MaterialID: 4, Quantity: 10}
	b = Apply(b, Movement{MaterialID: 4, Action: ActionReduce, Quantity: 10})
	require.Zero(t, b.Quantity)
	b = Apply(b, Movement{MaterialID: 4, Action: ActionReduce, Quantity: 2})
	require.InDelta(t, -2, b.Quantity, 1e-9)

	require.True(t, InSync(10, 10.0000000001))
	require.False(t, InSync(10, 10.5))
	require.InDelta(t, 0.5, Drift(10, 10.5), 1e-9)
}
