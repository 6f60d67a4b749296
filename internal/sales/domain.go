// Package sales records sales of packaged goods with profit frozen against
// the production cost at the time of sale.
package sales

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates the sale does not exist.
	ErrNotFound = errors.New("sales: record not found")
	// ErrInvalidInput indicates malformed sale input.
	ErrInvalidInput = errors.New("sales: invalid input")
	// ErrInvalidDiscount indicates a discount outside 0..100 percent.
	ErrInvalidDiscount = errors.New("sales: discount must be between 0 and 100 percent")
)

// MoneyPlaces is the rounding applied to revenue, cost and profit.
const MoneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// Record is one sale of packets from a packaged item.
type Record struct {
	ID                    int64           `json:"id"`
	PackagedItemID        int64           `json:"packaged_item_id"`
	BatchID               int64           `json:"batch_id"`
	Product               string          `json:"product"`
	Quantity              int             `json:"quantity"`
	UnitPrice             decimal.Decimal `json:"unit_price"`
	DiscountPercent       decimal.Decimal `json:"discount_percent"`
	ProductionCostPerUnit decimal.Decimal `json:"production_cost_per_unit"`
	Revenue               decimal.Decimal `json:"revenue"`
	Cost                  decimal.Decimal `json:"cost"`
	Profit                decimal.Decimal `json:"profit"`
	Free                  bool            `json:"free"`
	Customer              string          `json:"customer,omitempty"`
	SoldAt                time.Time       `json:"sold_at"`
	ActorID               int64           `json:"actor_id"`
	CreatedAt             time.Time       `json:"created_at"`
}

// Amounts is the money side of a sale.
type Amounts struct {
	Revenue decimal.Decimal `json:"revenue"`
	Cost    decimal.Decimal `json:"cost"`
	Profit  decimal.Decimal `json:"profit"`
	Free    bool            `json:"free"`
}

// CreateInput records a sale. SoldAt defaults to now.
type CreateInput struct {
	PackagedItemID  int64           `json:"packaged_item_id" validate:"required"`
	Quantity        int             `json:"quantity" validate:"gt=0"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	Customer        string          `json:"customer" validate:"max=160"`
	SoldAt          time.Time       `json:"sold_at"`
	ActorID         int64           `json:"-"`
}

// ListFilter narrows sale listings.
type ListFilter struct {
	PackagedItemID int64
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

// Totals aggregates sales over a period.
type Totals struct {
	Count    int             `json:"count"`
	Quantity int             `json:"quantity"`
	Revenue  decimal.Decimal `json:"revenue"`
	Cost     decimal.Decimal `json:"cost"`
	Profit   decimal.Decimal `json:"profit"`
}

// Compute prices qty packets: revenue is qty×price less the discount, cost
// is qty×costPerUnit and profit their difference. A zero price is a free
// sale whose profit is zero rather than negative.
func Compute(qty int, price, discountPercent, costPerUnit decimal.Decimal) (Amounts, error) {
	if qty <= 0 {
		return Amounts{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if price.IsNegative() || costPerUnit.IsNegative() {
		return Amounts{}, fmt.Errorf("%w: price and cost must not be negative", ErrInvalidInput)
	}
	if discountPercent.IsNegative() || discountPercent.GreaterThan(hundred) {
		return Amounts{}, ErrInvalidDiscount
	}
	q := decimal.NewFromInt(int64(qty))
	keep := hundred.Sub(discountPercent).Div(hundred)
	out := Amounts{
		Revenue: q.Mul(price).Mul(keep).Round(MoneyPlaces),
		Cost:    q.Mul(costPerUnit).Round(MoneyPlaces),
	}
	if price.IsZero() {
		out.Free = true
		out.Profit = decimal.Zero
		return out, nil
	}
	out.Profit = out.Revenue.Sub(out.Cost)
	return out, nil
}
