package calibration

import (
	"fmt"

	"github.com/bikedaq/bikedaq/internal/signal"
)

// doNotScale lists sensors that pass through unscaled regardless of their
// calibration kind. These potentiometers are recorded but not yet calibrated.
var doNotScale = map[string]bool{
	"LeanPotentiometer":  true,
	"HipPotentiometer":   true,
	"TwistPotentiometer": true,
}

// Supply is the measured supply voltage for a channel during a run. Either a
// per-sample series from a live supply channel or a single fixed value.
type Supply struct {
	Series []float64
	Fixed  float64
}

// at returns the supply voltage for sample i.
func (sv Supply) at(i int) float64 {
	if len(sv.Series) > 0 {
		return sv.Series[i]
	}
	return sv.Fixed
}

// Scale applies the record's calibration equation to the raw channel and
// returns the physical signal. The output takes the name and units recorded
// with the calibration but keeps the raw channel's source. Channels with
// kinds None or Matrix, and sensors on the exclusion list, pass through
// unchanged.
//
// The three scalar equations, with V* the calibration supply voltage and V
// the supply during the run:
//
//	interceptStar: V*/V * slope * raw + offset
//	intercept:     V*/V * (slope * raw + offset)
//	bias:          slope * (raw - V/V* * bias)
func Scale(raw signal.Signal, rec Record, supply Supply) (signal.Signal, error) {
	if rec.Kind == KindNone || rec.Kind == KindMatrix || doNotScale[raw.Name] {
		return raw, nil
	}

	samples := raw.Samples()
	switch rec.Kind {
	case KindInterceptStar:
		for i, v := range samples {
			samples[i] = rec.SupplyVoltage/supply.at(i)*rec.Slope*v + rec.Offset
		}
	case KindIntercept:
		for i, v := range samples {
			samples[i] = rec.SupplyVoltage / supply.at(i) * (rec.Slope*v + rec.Offset)
		}
	case KindBias:
		for i, v := range samples {
			samples[i] = rec.Slope * (v - supply.at(i)/rec.SupplyVoltage*rec.Bias)
		}
	default:
		// a kind outside the enum is corrupt channel metadata, not a
		// recoverable condition
		return signal.Signal{}, fmt.Errorf("sensor %s: calibration kind %q matches no scaling equation", raw.Name, rec.Kind)
	}

	meta := raw.Meta
	meta.Name = rec.Signal
	meta.Units = rec.Units
	return signal.New(samples, meta)
}
