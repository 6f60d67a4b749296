// Package ledger derives raw material stock from append-only movements.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Action is the direction of a stock movement.
type Action string

const (
	// ActionAdd increases stock.
	ActionAdd Action = "add"
	// ActionReduce decreases stock.
	ActionReduce Action = "reduce"
)

// Reason explains why a movement happened.
type Reason string

const (
	ReasonPurchase   Reason = "purchase"
	ReasonWastage    Reason = "wastage"
	ReasonDamage     Reason = "damage"
	ReasonCorrection Reason = "correction"
	ReasonProduction Reason = "production"
)

// DriftTolerance is the largest difference treated as equal when comparing
// a cached balance with the ledger sum.
const DriftTolerance = 1e-6

// ErrInvalidMovement indicates a malformed movement.
var ErrInvalidMovement = errors.New("ledger: invalid movement")

// Movement is a single signed ledger entry for one raw material.
type Movement struct {
	ID         int64     `json:"id"`
	MaterialID int64     `json:"material_id"`
	Action     Action    `json:"action"`
	Quantity   float64   `json:"quantity"`
	Reason     Reason    `json:"reason"`
	Reference  string    `json:"reference,omitempty"`
	ActorID    int64     `json:"actor_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Balance is the materialised running total for one material.
type Balance struct {
	MaterialID int64     `json:"material_id"`
	Quantity   float64   `json:"quantity"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CardEntry pairs a movement with the running balance after it.
type CardEntry struct {
	Movement
	Balance float64 `json:"balance"`
}

// ValidAction reports whether a is a known action.
func ValidAction(a Action) bool {
	return a == ActionAdd || a == ActionReduce
}

// ValidReason reports whether r is a known reason.
func ValidReason(r Reason) bool {
	switch r {
	case ReasonPurchase, ReasonWastage, ReasonDamage, ReasonCorrection, ReasonProduction:
		return true
	}
	return false
}

// Validate checks the movement before it is appended.
func (m Movement) Validate() error {
	if m.MaterialID == 0 {
		return fmt.Errorf("%w: material required", ErrInvalidMovement)
	}
	if !ValidAction(m.Action) {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidMovement, m.Action)
	}
	if !ValidReason(m.Reason) {
		return fmt.Errorf("%w: unknown reason %q", ErrInvalidMovement, m.Reason)
	}
	if math.IsNaN(m.Quantity) || math.IsInf(m.Quantity, 0) || m.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidMovement)
	}
	return nil
}

// Signed returns the movement quantity with the sign of its action.
func (m Movement) Signed() float64 {
	switch m.Action {
	case ActionAdd:
		return m.Quantity
	case ActionReduce:
		return -m.Quantity
	default:
		return 0
	}
}

// AvailableStock sums add quantities minus reduce quantities. The result is
// independent of slice order and may be negative.
func AvailableStock(movements []Movement) float64 {
	var total float64
	for _, m := range movements {
		total += m.Signed()
	}
	return total
}

// Card orders movements chronologically and annotates each with the running
// balance. The input slice is not modified.
func Card(movements []Movement) []CardEntry {
	sorted := make([]Movement, len(movements))
	copy(sorted, movements)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	entries := make([]CardEntry, 0, len(sorted))
	var running float64
	for _, m := range sorted {
		running += m.Signed()
		entries = append(entries, CardEntry{Movement: m, Balance: running})
	}
	return entries
}

// Apply returns the balance after m has been appended.
func Apply(b Balance, m Movement) Balance {
	b.MaterialID = m.MaterialID
	b.Quantity += m.Signed()
	if math.Abs(b.Quantity) < DriftTolerance {
		b.Quantity = 0
	}
	if !m.CreatedAt.IsZero() {
		b.UpdatedAt = m.CreatedAt
	}
	return b
}

// Drift is the cached balance minus the ledger sum.
func Drift(ledgerSum, cached float64) float64 {
	return cached - ledgerSum
}

// InSync reports whether the cached balance matches the ledger sum.
func InSync(ledgerSum, cached float64) bool {
	return math.Abs(Drift(ledgerSum, cached)) <= DriftTolerance
}
