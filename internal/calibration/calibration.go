// Package calibration holds per-sensor calibration sessions and the scaling
// equations that turn raw voltages into physical quantities.
package calibration

import (
	"fmt"
	"sort"
	"time"
)

// EquationKind selects which scaling equation applies to a raw channel.
type EquationKind string

const (
	// KindNone marks channels recorded directly in physical units.
	KindNone EquationKind = "none"
	// KindMatrix marks channels calibrated jointly with others; no scalar
	// scaling is defined for them.
	KindMatrix EquationKind = "matrix"
	// KindInterceptStar is the ratiometric potentiometer equation where
	// zero position is always zero volts.
	KindInterceptStar EquationKind = "interceptStar"
	// KindIntercept is the standard bench calibration equation.
	KindIntercept EquationKind = "intercept"
	// KindBias is the ratiometric accelerometer and rate gyro equation.
	KindBias EquationKind = "bias"
)

// Record is one calibration session for one sensor.
type Record struct {
	ID            string
	SensorName    string
	TimeStamp     time.Time
	Slope         float64
	Bias          float64
	Offset        float64
	SupplyVoltage float64 // supply voltage at calibration time

	// RunSupplyVoltage is used when no live supply channel exists for the
	// sensor; RunSupplySource names the raw channel to read it from
	// otherwise.
	RunSupplyVoltage float64
	RunSupplySource  string

	// Signal and Units describe the calibrated output, not the raw input.
	Signal string
	Units  string
	Kind   EquationKind
}

// UnknownSensorError reports a sensor with no calibration records at all.
type UnknownSensorError struct {
	Sensor string
}

func (e *UnknownSensorError) Error() string {
	return fmt.Sprintf("%s is not a calibrated sensor", e.Sensor)
}

// NoCalibrationError reports a run that predates every calibration session
// for the sensor. Calibrations must always precede runs.
type NoCalibrationError struct {
	Sensor  string
	RunTime time.Time
}

func (e *NoCalibrationError) Error() string {
	return fmt.Sprintf("no calibration for %s at or before %s", e.Sensor, e.RunTime.Format(time.RFC3339))
}

// Store indexes calibration records by sensor name.
type Store struct {
	bySensor map[string][]Record
}

// NewStore builds a Store from a flat record list. Records are sorted by
// time per sensor.
func NewStore(records []Record) *Store {
	s := &Store{bySensor: make(map[string][]Record)}
	for _, r := range records {
		s.bySensor[r.SensorName] = append(s.bySensor[r.SensorName], r)
	}
	for name := range s.bySensor {
		recs := s.bySensor[name]
		sort.Slice(recs, func(i, j int) bool { return recs[i].TimeStamp.Before(recs[j].TimeStamp) })
	}
	return s
}

// Sensors returns the names of all calibrated sensors.
func (s *Store) Sensors() []string {
	names := make([]string, 0, len(s.bySensor))
	for name := range s.bySensor {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the sensor has any calibration records.
func (s *Store) Has(sensor string) bool {
	return len(s.bySensor[sensor]) > 0
}

// ActiveRecord returns the calibration in effect at runTime: the most recent
// record whose time stamp does not pass the run.
func (s *Store) ActiveRecord(sensor string, runTime time.Time) (Record, error) {
	recs := s.bySensor[sensor]
	if len(recs) == 0 {
		return Record{}, &UnknownSensorError{Sensor: sensor}
	}
	// records are sorted ascending; walk back from the newest
	for i := len(recs) - 1; i >= 0; i-- {
		if !recs[i].TimeStamp.After(runTime) {
			return recs[i], nil
		}
	}
	return Record{}, &NoCalibrationError{Sensor: sensor, RunTime: runTime}
}
