// Package units provides shared constants and validation for magnetic flux density units
package units

// Unit constants
const (
	Tesla      = "T"
	MicroTesla = "uT"
	NanoTesla  = "nT"
	Gauss      = "G"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Tesla, MicroTesla, NanoTesla, Gauss}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "T, uT, nT, G"
}

// ConvertFluxDensity converts a flux density from tesla to the target units.
// The engine and the store work in tesla throughout.
func ConvertFluxDensity(tesla float64, targetUnits string) float64 {
	switch targetUnits {
	case MicroTesla:
		return tesla * 1e6
	case NanoTesla:
		return tesla * 1e9
	case Gauss:
		return tesla * 1e4 // 1 T = 10,000 G
	case Tesla:
		return tesla // no conversion needed
	default:
		return tesla // default to tesla if unknown unit
	}
}

// ToTesla converts a flux density in the given units back to tesla.
func ToTesla(value float64, sourceUnits string) float64 {
	switch sourceUnits {
	case MicroTesla:
		return value * 1e-6
	case NanoTesla:
		return value * 1e-9
	case Gauss:
		return value * 1e-4
	default:
		return value
	}
}
