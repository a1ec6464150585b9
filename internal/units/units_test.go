package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValid(t *testing.T) {
	t.Parallel()

	for _, unit := range ValidUnits {
		assert.True(t, IsValid(unit), "unit %q should be valid", unit)
	}
	assert.False(t, IsValid("mT"))
	assert.False(t, IsValid(""))
}

func TestConvertFluxDensity(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 50.0, ConvertFluxDensity(50e-6, MicroTesla), 1e-12)
	assert.InDelta(t, 50000.0, ConvertFluxDensity(50e-6, NanoTesla), 1e-9)
	assert.InDelta(t, 0.5, ConvertFluxDensity(50e-6, Gauss), 1e-12)
	assert.Equal(t, 50e-6, ConvertFluxDensity(50e-6, Tesla))
	// Unknown units pass the value through unchanged.
	assert.Equal(t, 50e-6, ConvertFluxDensity(50e-6, "furlongs"))
}

func TestToTeslaRoundTrip(t *testing.T) {
	t.Parallel()

	for _, unit := range ValidUnits {
		v := ConvertFluxDensity(31.2e-6, unit)
		assert.InDelta(t, 31.2e-6, ToTesla(v, unit), 1e-15, "round trip through %q", unit)
	}
}
