package units

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := map[string]Unit{
		"kg":     Kilogram,
		" KG ":   Kilogram,
		"Kilos":  "",
		"gm":     Gram,
		"Grams":  Gram,
		"g":      Gram,
		"kgs":    Kilogram,
		"litres": "",
	}
	for raw, want := range cases {
		got, err := Parse(raw)
		if want == "" {
			require.ErrorIs(t, err, ErrUnknownUnit, raw)
			continue
		}
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
}

func TestConversions(t *testing.T) {
	require.InDelta(t, 0.5, ToKg(500, Gram), 1e-12)
	require.InDelta(t, 2.0, ToKg(2, Kilogram), 1e-12)
	require.InDelta(t, 2500.0, Convert(2.5, Kilogram, Gram), 1e-9)
	require.InDelta(t, 2.5, Convert(2500, Gram, Kilogram), 1e-12)
	require.InDelta(t, 7.0, Convert(7, Gram, Gram), 1e-12)
}

func TestRates(t *testing.T) {
	require.InDelta(t, 18.0, RatePerKg(0.018, Gram), 1e-9)
	require.InDelta(t, 280.0, RatePerKg(280, Kilogram), 1e-9)
	require.InDelta(t, 0.28, RateIn(280, Kilogram, Gram), 1e-12)
	require.InDelta(t, 18.0, RateIn(0.018, Gram, Kilogram), 1e-9)
	require.InDelta(t, 5.0, RateIn(5, Kilogram, Kilogram), 1e-12)
}
