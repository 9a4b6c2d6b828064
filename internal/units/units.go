// Package units provides the registry of physical unit conversions used by
// run signals. Units are canonical lowercase words combined with '*' and '/'
// (e.g. "meter/second/second").
package units

import "math"

// Common canonical unit strings.
const (
	Degree          = "degree"
	Radian          = "radian"
	Meter           = "meter"
	Newton          = "newton"
	NewtonMeter     = "newton*meter"
	MeterPerSecond  = "meter/second"
	RadianPerSecond = "radian/second"
	DegreePerSecond = "degree/second"
	Volt            = "volt"
)

// conversions maps "from->to" onto the multiplicative factor. Reciprocal
// pairs are resolved by Factor, so only one direction is registered.
var conversions = map[string]float64{
	"degree->radian":                             math.Pi / 180,
	"degree/second->radian/second":               math.Pi / 180,
	"degree/second/second->radian/second/second": math.Pi / 180,
	"inch*pound->newton*meter":                   25.4 / 1000 * 4.44822162,
	"pound->newton":                              4.44822162,
	"feet/second->meter/second":                  12 * 2.54 / 100,
	"mile/hour->meter/second":                    0.00254 * 12 / 5280 / 3600,
}

// Factor returns the multiplicative factor that converts a value in from
// units to to units. It resolves either a registered pair or its
// reciprocal. The second return reports whether the conversion is known.
func Factor(from, to string) (float64, bool) {
	if from == to {
		return 1, true
	}
	if f, ok := conversions[from+"->"+to]; ok {
		return f, true
	}
	if f, ok := conversions[to+"->"+from]; ok {
		return 1 / f, true
	}
	return 0, false
}

// Register adds a conversion pair to the registry. Intended for tests and
// site-specific sensor units.
func Register(from, to string, factor float64) {
	conversions[from+"->"+to] = factor
}
