// Package packaging converts the bulk output of production batches into
// finished-good packets and tracks how many packets remain unsold.
package packaging

import (
	"errors"
	"math"
	"time"

	"github.com/spicemill/spicemill/internal/units"
)

var (
	// ErrNotFound indicates the packaging session does not exist.
	ErrNotFound = errors.New("packaging: session not found")
	// ErrBatchNotFound indicates the production batch does not exist.
	ErrBatchNotFound = errors.New("packaging: batch not found")
	// ErrItemNotFound indicates the packaged item does not exist.
	ErrItemNotFound = errors.New("packaging: packaged item not found")
	// ErrExceedsBulk indicates packets plus loss exceed the batch's remaining bulk.
	ErrExceedsBulk = errors.New("packaging: packed quantity exceeds remaining bulk")
	// ErrInsufficientPackets indicates fewer unsold packets than requested.
	ErrInsufficientPackets = errors.New("packaging: not enough packets available")
	// ErrInvalidInput indicates malformed session input.
	ErrInvalidInput = errors.New("packaging: invalid input")
)

const bulkEpsilon = 1e-9

// Bulk is the slice of a production batch packaging draws from.
// CostPerUnit is the production cost of one Unit of final output.
type Bulk struct {
	BatchID       int64      `json:"batch_id"`
	Code          string     `json:"code"`
	Unit          units.Unit `json:"unit"`
	FinalQuantity float64    `json:"final_quantity"`
	CostPerUnit   float64    `json:"cost_per_unit"`
}

// Item is one packet size produced by a session. BulkQuantity is the bulk
// it consumed in the batch unit.
type Item struct {
	ID                      int64      `json:"id"`
	SessionID               int64      `json:"session_id"`
	BatchID                 int64      `json:"batch_id"`
	Product                 string     `json:"product"`
	PacketSize              float64    `json:"packet_size"`
	PacketUnit              units.Unit `json:"packet_unit"`
	PacketCount             int        `json:"packet_count"`
	SoldCount               int        `json:"sold_count"`
	BulkQuantity            float64    `json:"bulk_quantity"`
	ProductionCostPerPacket float64    `json:"production_cost_per_packet"`
}

// Available is the number of unsold packets.
func (i Item) Available() int {
	if i.SoldCount >= i.PacketCount {
		return 0
	}
	return i.PacketCount - i.SoldCount
}

// Session is one packaging run against a batch. LossQuantity is packaging
// loss in the batch unit, kept apart from the batch's production loss.
type Session struct {
	ID           int64      `json:"id"`
	BatchID      int64      `json:"batch_id"`
	BatchCode    string     `json:"batch_code"`
	Unit         units.Unit `json:"unit"`
	PackedAt     time.Time  `json:"packed_at"`
	LossQuantity float64    `json:"loss_quantity"`
	Notes        string     `json:"notes,omitempty"`
	ActorID      int64      `json:"actor_id"`
	CreatedAt    time.Time  `json:"created_at"`
	Items        []Item     `json:"items"`
}

// PackedQuantity is the bulk consumed by the session's packets.
func (s Session) PackedQuantity() float64 {
	var total float64
	for _, it := range s.Items {
		total += it.BulkQuantity
	}
	return total
}

// ItemInput describes one packet size.
type ItemInput struct {
	Product     string  `json:"product" validate:"required,max=160"`
	PacketSize  float64 `json:"packet_size" validate:"gt=0"`
	PacketUnit  string  `json:"packet_unit" validate:"required"`
	PacketCount int     `json:"packet_count" validate:"gt=0"`
}

// RecordInput records a packaging session. PackedAt defaults to today.
type RecordInput struct {
	BatchID      int64       `json:"batch_id" validate:"required"`
	PackedAt     time.Time   `json:"packed_at"`
	LossQuantity float64     `json:"loss_quantity" validate:"gte=0"`
	Notes        string      `json:"notes" validate:"max=500"`
	Items        []ItemInput `json:"items" validate:"required,min=1,dive"`
	ActorID      int64       `json:"-"`
}

// Stock summarises a batch's bulk and packets.
type Stock struct {
	Bulk
	PackedQuantity float64 `json:"packed_quantity"`
	LossQuantity   float64 `json:"packaging_loss"`
	Remaining      float64 `json:"remaining"`
	Items          []Item  `json:"items"`
}

// PacketBulk is the bulk, in batchUnit, that count packets of size consume.
func PacketBulk(size float64, packetUnit units.Unit, count int, batchUnit units.Unit) float64 {
	return units.Convert(size, packetUnit, batchUnit) * float64(count)
}

// CostPerPacket prices one packet at the batch's production cost.
func CostPerPacket(costPerUnit, size float64, packetUnit, batchUnit units.Unit) float64 {
	return costPerUnit * units.Convert(size, packetUnit, batchUnit)
}

// Remaining is final output less packed bulk and packaging loss.
func Remaining(final, packed, loss float64) float64 {
	return final - packed - loss
}

// Fits reports whether need can be drawn from remaining.
func Fits(need, remaining float64) bool {
	return need <= remaining+bulkEpsilon
}

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
