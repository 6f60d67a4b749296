// Package units handles the two weight units used across the mill.
package units

import (
	"errors"
	"fmt"
	"strings"
)

// Unit is a unit of measure for raw materials and formulations.
type Unit string

const (
	// Kilogram is the common base unit for all calculations.
	Kilogram Unit = "kg"
	// Gram is 1/1000 of a kilogram.
	Gram Unit = "gm"
)

const gramsPerKilogram = 1000.0

// ErrUnknownUnit is returned when a unit string cannot be parsed.
var ErrUnknownUnit = errors.New("units: unknown unit")

var aliases = map[string]Unit{
	"kg":        Kilogram,
	"kgs":       Kilogram,
	"kilo":      Kilogram,
	"kilogram":  Kilogram,
	"kilograms": Kilogram,
	"gm":        Gram,
	"gms":       Gram,
	"g":         Gram,
	"gram":      Gram,
	"grams":     Gram,
}

// Parse normalises a user supplied unit.
func Parse(raw string) (Unit, error) {
	u, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownUnit, raw)
	}
	return u, nil
}

// Valid reports whether u is one of the supported units.
func (u Unit) Valid() bool {
	return u == Kilogram || u == Gram
}

func (u Unit) String() string {
	return string(u)
}

// ToKg converts qty expressed in u into kilograms.
func ToKg(qty float64, u Unit) float64 {
	if u == Gram {
		return qty / gramsPerKilogram
	}
	return qty
}

// Convert converts qty between units.
func Convert(qty float64, from, to Unit) float64 {
	switch {
	case from == to:
		return qty
	case from == Kilogram && to == Gram:
		return qty * gramsPerKilogram
	case from == Gram && to == Kilogram:
		return qty / gramsPerKilogram
	default:
		return qty
	}
}

// RatePerKg normalises a cost per native unit into a cost per kilogram.
func RatePerKg(costPerUnit float64, u Unit) float64 {
	if u == Gram {
		return costPerUnit * gramsPerKilogram
	}
	return costPerUnit
}

// RateIn re-expresses a cost per `from` unit as a cost per `to` unit.
// Rates move opposite to quantities: 1 per gm is 1000 per kg.
func RateIn(costPerUnit float64, from, to Unit) float64 {
	return costPerUnit * Convert(1, to, from)
}
