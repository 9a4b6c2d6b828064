// Package signal provides the typed time-series value used throughout run
// processing. A Signal is a one-dimensional float64 series plus the metadata
// (name, run id, sample rate, source, units) that travels with it through
// filtering, differentiation, integration and unit conversion.
package signal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/bikedaq/bikedaq/internal/units"
)

// Source identifies which acquisition subsystem produced a raw channel. The
// DAQ box and the IMU run on independent clocks at independent rates.
type Source string

const (
	// SourceDAQ is the analog data-acquisition unit. Its clock lags the IMU
	// and its samples are clean (no dropouts).
	SourceDAQ Source = "DAQ"
	// SourceIMU is the inertial measurement unit. Corrupt frames appear as
	// NaN runs in its channels.
	SourceIMU Source = "IMU"
	// SourceNone marks signals computed by the pipeline rather than
	// recorded by either subsystem.
	SourceNone Source = "NA"
)

// Meta is the side-channel metadata carried by every Signal.
type Meta struct {
	Name       string
	RunID      string
	SampleRate float64 // Hz
	Source     Source
	Units      string
}

// Signal is an immutable one-dimensional time series. Transformations return
// new Signals; none mutate the receiver.
type Signal struct {
	Meta
	samples []float64
}

// ShapeError reports a malformed input series.
type ShapeError struct {
	Name   string
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("signal %s: %s", e.Name, e.Reason)
}

// UnitConversionError reports a conversion with no registered factor.
type UnitConversionError struct {
	Name     string
	From, To string
}

func (e *UnitConversionError) Error() string {
	return fmt.Sprintf("signal %s: conversion from %s to %s is not defined", e.Name, e.From, e.To)
}

// UnknownSourceError reports a signal whose source is neither acquisition
// subsystem.
type UnknownSourceError struct {
	Name   string
	Source Source
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("signal %s: %q is not a valid source", e.Name, e.Source)
}

// New builds a Signal from a sample slice and its metadata. The samples are
// copied so the caller's slice stays independent.
func New(samples []float64, meta Meta) (Signal, error) {
	if len(samples) == 0 {
		return Signal{}, &ShapeError{Name: meta.Name, Reason: "must contain at least one sample"}
	}
	if meta.SampleRate <= 0 {
		return Signal{}, &ShapeError{Name: meta.Name, Reason: fmt.Sprintf("sample rate %v is not positive", meta.SampleRate)}
	}
	s := Signal{Meta: meta, samples: make([]float64, len(samples))}
	copy(s.samples, samples)
	return s, nil
}

// Len returns the number of samples.
func (s Signal) Len() int { return len(s.samples) }

// Samples returns a copy of the sample buffer.
func (s Signal) Samples() []float64 {
	out := make([]float64, len(s.samples))
	copy(out, s.samples)
	return out
}

// At returns the i-th sample.
func (s Signal) At(i int) float64 { return s.samples[i] }

// Time returns the time vector t_i = i / sampleRate.
func (s Signal) Time() []float64 {
	return TimeVector(len(s.samples), s.SampleRate)
}

// Duration returns the time stamp of the last sample.
func (s Signal) Duration() float64 {
	return float64(len(s.samples)-1) / s.SampleRate
}

// TimeVector returns n time stamps spaced at 1/sampleRate starting at zero.
func TimeVector(n int, sampleRate float64) []float64 {
	t := make([]float64, n)
	for i := range t {
		t[i] = float64(i) / sampleRate
	}
	return t
}

// Renamed returns a copy with new name and units. This is the administrative
// correction applied after numeric operations that drop metadata.
func (s Signal) Renamed(name, unitLabel string) Signal {
	out := s.clone()
	out.Name = name
	out.Units = unitLabel
	return out
}

// WithSource returns a copy with the source replaced.
func (s Signal) WithSource(src Source) Signal {
	out := s.clone()
	out.Source = src
	return out
}

// ConvertUnits returns the signal scaled into target units. Conversions must
// be registered (in either direction) in the units package.
func (s Signal) ConvertUnits(target string) (Signal, error) {
	if target == s.Units {
		return s, nil
	}
	factor, ok := units.Factor(s.Units, target)
	if !ok {
		return Signal{}, &UnitConversionError{Name: s.Name, From: s.Units, To: target}
	}
	out := s.Scale(factor)
	out.Units = target
	return out, nil
}

// Scale returns the signal with every sample multiplied by k. Metadata is
// kept; callers that change the physical meaning must rename explicitly.
func (s Signal) Scale(k float64) Signal {
	out := s.clone()
	for i := range out.samples {
		out.samples[i] *= k
	}
	return out
}

// Shift returns the signal with k added to every sample.
func (s Signal) Shift(k float64) Signal {
	out := s.clone()
	for i := range out.samples {
		out.samples[i] += k
	}
	return out
}

// Neg returns the sign-inverted signal.
func (s Signal) Neg() Signal { return s.Scale(-1) }

// Slice returns the subrange [lo, hi) as a new signal.
func (s Signal) Slice(lo, hi int) Signal {
	out := s.clone()
	out.samples = out.samples[lo:hi]
	return out
}

// Mean returns the sample mean, ignoring nothing: NaNs poison the result.
func (s Signal) Mean() float64 { return stat.Mean(s.samples, nil) }

// Std returns the sample standard deviation.
func (s Signal) Std() float64 { return stat.StdDev(s.samples, nil) }

// HasNaN reports whether any sample is NaN.
func (s Signal) HasNaN() bool {
	for _, v := range s.samples {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// Add returns the sample-wise sum of two equal-length signals. Binary
// arithmetic drops name, units and source: the result's physical meaning is
// the caller's to declare via Renamed.
func Add(a, b Signal) (Signal, error) {
	return combine(a, b, func(x, y float64) float64 { return x + y })
}

// Sub returns the sample-wise difference a-b with the same metadata rules as
// Add.
func Sub(a, b Signal) (Signal, error) {
	return combine(a, b, func(x, y float64) float64 { return x - y })
}

// Mul returns the sample-wise product with the same metadata rules as Add.
func Mul(a, b Signal) (Signal, error) {
	return combine(a, b, func(x, y float64) float64 { return x * y })
}

func combine(a, b Signal, op func(x, y float64) float64) (Signal, error) {
	if a.Len() != b.Len() {
		return Signal{}, &ShapeError{Name: a.Name, Reason: fmt.Sprintf("length %d does not match %s length %d", a.Len(), b.Name, b.Len())}
	}
	out := a.clone()
	out.Name = ""
	out.Units = ""
	out.Source = SourceNone
	for i := range out.samples {
		out.samples[i] = op(a.samples[i], b.samples[i])
	}
	return out, nil
}

func (s Signal) clone() Signal {
	out := Signal{Meta: s.Meta, samples: make([]float64, len(s.samples))}
	copy(out.samples, s.samples)
	return out
}

// FromSamples is a convenience wrapper used by pipeline stages that already
// validated their inputs: it panics on malformed input instead of returning
// an error.
func FromSamples(samples []float64, meta Meta) Signal {
	s, err := New(samples, meta)
	if err != nil {
		panic(err)
	}
	return s
}
