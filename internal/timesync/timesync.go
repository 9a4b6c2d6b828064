// Package timesync estimates the clock offset between the two acquisition
// subsystems. Both record the ride over a deliberate bump; matching that
// transient gives the scalar shift tau by which the DAQ clock lags the IMU
// clock.
package timesync

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/optimize"

	"github.com/bikedaq/bikedaq/internal/monitoring"
	"github.com/bikedaq/bikedaq/internal/signal"
)

// Fixed physical constants of the synchronization setup.
const (
	// Wheelbase of the instrumented bicycle in meters.
	Wheelbase = 1.02
	// BumpLength is the length of the plywood bump in meters.
	BumpLength = 1.0
	// bumpFilterCutoff denoises the accelerometer channels before the bump
	// peak is located.
	bumpFilterCutoff = 50.0
	// tauMax bounds the grid search; the DAQ lag is always under half a
	// second.
	tauMax      = 0.5
	gridPoints  = 500
	gridVsGuess = 0.1  // disagreement that discredits the grid argmin
	refineLimit = 0.01 // refinement drift that discredits the minimizer
)

// TauRangeError reports a candidate shift at least as long as the compared
// signals, for which no overlap exists.
type TauRangeError struct {
	Tau      float64
	Duration float64
}

func (e *TauRangeError) Error() string {
	return fmt.Sprintf("time shift %v exceeds the signal duration %v", e.Tau, e.Duration)
}

// TimeShiftError reports a synchronization whose residual is too large to
// trust. Runs failing this check must not be processed further.
type TimeShiftError struct {
	NRMS float64
	Max  float64
}

func (e *TimeShiftError) Error() string {
	return fmt.Sprintf("normalized RMS for this time shift is %v, greater than the maximum allowed %v", e.NRMS, e.Max)
}

// Bump holds the sample indices bracketing the bump transient: a quarter
// window before the peak and three quarters after.
type Bump struct {
	Start, Peak, Stop int
}

// FindBump locates the bump in an acceleration series as the sample of
// largest magnitude and sizes a window around it from the travel speed and
// bump geometry. NaNs are skipped during the search. A peak outside the
// first third of the series is logged as a probable false detection.
func FindBump(acc []float64, sampleRate, speed, wheelbase, bumpLength float64) Bump {
	peak := 0
	magnitude := math.Inf(-1)
	for i, v := range acc {
		if math.IsNaN(v) {
			continue
		}
		if a := math.Abs(v); a > magnitude {
			magnitude = a
			peak = i
		}
	}

	if peak > len(acc)/3 {
		monitoring.Logf("bump peak at %0.2fs of %0.2fs is not in the first third of the data; probable false detection",
			float64(peak)/sampleRate, float64(len(acc))/sampleRate)
	}

	bumpDuration := (wheelbase + bumpLength) / speed
	bumpSamples := int(bumpDuration*sampleRate) / 4 * 4

	b := Bump{Start: peak - bumpSamples/4, Peak: peak, Stop: peak + 3*bumpSamples/4}
	if b.Start < 0 {
		b.Start = 0
	}
	if b.Stop > len(acc) {
		b.Stop = len(acc)
	}
	return b
}

// nanFreeSegment returns the bounds [lo, hi) of the contiguous NaN-free
// run containing index idx.
func nanFreeSegment(samples []float64, idx int) (lo, hi int) {
	lo, hi = idx, idx+1
	for lo > 0 && !math.IsNaN(samples[lo-1]) {
		lo--
	}
	for hi < len(samples) && !math.IsNaN(samples[hi]) {
		hi++
	}
	return lo, hi
}

// SyncError measures the misalignment of two series for a candidate shift
// tau: sig1 is interpolated onto the shifted grid and compared with sig2 over
// the overlapping interval; the L2 norm of the difference is returned.
func SyncError(tau float64, sig1, sig2, time []float64) (float64, error) {
	end := time[len(time)-1]
	if math.Abs(tau) >= end {
		return 0, &TauRangeError{Tau: tau, Duration: end}
	}

	shifted := make([]float64, len(time))
	for i, t := range time {
		shifted[i] = t + tau
	}

	// overlap of the shifted grid with the original one
	lo, hi := 0, len(time)
	if tau > 0 {
		for hi > 0 && shifted[hi-1] >= end {
			hi--
		}
	} else {
		for lo < len(time) && shifted[lo] <= time[0] {
			lo++
		}
	}
	if hi <= lo {
		return 0, &TauRangeError{Tau: tau, Duration: end}
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(time, sig1); err != nil {
		return 0, err
	}

	diff := make([]float64, hi-lo)
	for i := lo; i < hi; i++ {
		diff[i-lo] = pl.Predict(shifted[i]) - sig2[i]
	}
	return floats.Norm(diff, 2), nil
}

// Result carries the estimated shift plus the intermediate quantities useful
// for diagnosing a bad synchronization.
type Result struct {
	Tau      float64
	Guess    float64 // from the bump index difference
	GridTau  float64 // argmin of the grid search
	TauGrid  []float64
	ErrGrid  []float64
	DAQBump  Bump
	IMUBump  Bump
}

// FindTimeshift estimates the shift tau by which the IMU vertical
// acceleration leads the DAQ one. Both signals must share a sample rate and
// length; the DAQ signal is sign-flipped since the two accelerometers point
// opposite ways.
func FindTimeshift(daqAcc, imuAcc signal.Signal, sampleRate, speed float64) (Result, error) {
	if daqAcc.Len() != imuAcc.Len() {
		return Result{}, fmt.Errorf("acceleration signals differ in length: %d vs %d", daqAcc.Len(), imuAcc.Len())
	}

	time := signal.TimeVector(daqAcc.Len(), sampleRate)

	daqSig := daqAcc.Neg().Samples()
	imuSig := imuAcc.Samples()

	// locate the bump in the denoised DAQ signal
	filtered := signal.Butterworth(daqSig, bumpFilterCutoff, sampleRate)
	daqBump := FindBump(filtered, sampleRate, speed, Wheelbase, BumpLength)

	// the IMU signal may hold NaN runs; spline over them before filtering
	imuFull, err := imuAcc.Spline()
	if err != nil {
		return Result{}, fmt.Errorf("run %s: %w", imuAcc.RunID, err)
	}
	imuFiltered := signal.Butterworth(imuFull.Samples(), bumpFilterCutoff, sampleRate)
	imuBump := FindBump(imuFiltered, sampleRate, speed, Wheelbase, BumpLength)

	guess := float64(daqBump.Peak-imuBump.Peak) / sampleRate

	// comparison is restricted to the NaN-free IMU segment holding its bump
	lo, hi := nanFreeSegment(imuSig, imuBump.Peak)

	daqNorm := normalized(daqSig)
	imuNorm := normalized(imuSig)

	daqSeg := daqNorm[lo:hi]
	imuSeg := imuNorm[lo:hi]
	timeSeg := time[lo:hi]

	if len(daqSeg) < 200 {
		monitoring.Logf("run %s: the bump section is only %d samples", daqAcc.RunID, len(daqSeg))
	}

	// error landscape over the physical range of the lag
	res := Result{Guess: guess, DAQBump: daqBump, IMUBump: imuBump}
	res.TauGrid = make([]float64, gridPoints)
	res.ErrGrid = make([]float64, gridPoints)
	for i := range res.TauGrid {
		res.TauGrid[i] = tauMax * float64(i) / float64(gridPoints-1)
		e, err := SyncError(res.TauGrid[i], daqSeg, imuSeg, timeSeg)
		if err != nil {
			return Result{}, err
		}
		res.ErrGrid[i] = e
	}
	res.GridTau = res.TauGrid[floats.MinIdx(res.ErrGrid)]

	// a plausible bump-index guess that disagrees with the landscape argmin
	// usually means the grid locked onto the wrong local minimum
	tau0 := res.GridTau
	if 0 < guess && guess < 1 && math.Abs(tau0-guess) > gridVsGuess {
		monitoring.Logf("run %s: grid minimum %0.4f disagrees with bump guess %0.4f; seeding refinement with the guess",
			daqAcc.RunID, tau0, guess)
		tau0 = guess
	}

	res.Tau = refine(tau0, daqSeg, imuSeg, timeSeg, daqAcc.RunID)
	return res, nil
}

// refine polishes tau0 with a Nelder-Mead minimization of the sync error.
// A refinement that wanders more than refineLimit from its seed is discarded.
func refine(tau0 float64, sig1, sig2, time []float64, runID string) float64 {
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			e, err := SyncError(x[0], sig1, sig2, time)
			if err != nil {
				return math.Inf(1)
			}
			return e
		},
	}
	result, err := optimize.Minimize(problem, []float64{tau0}, nil, &optimize.NelderMead{})
	if err != nil {
		monitoring.Logf("run %s: tau refinement failed (%v); keeping %0.4f", runID, err, tau0)
		return tau0
	}
	tau := result.X[0]
	if math.Abs(tau-tau0) > refineLimit {
		monitoring.Logf("run %s: refinement drifted to %0.4f from %0.4f; keeping the seed", runID, tau, tau0)
		return tau0
	}
	return tau
}

func normalized(samples []float64) []float64 {
	out := make([]float64, len(samples))
	copy(out, samples)
	mean := nanMean(out)
	for i := range out {
		out[i] -= mean
	}
	var sumsq float64
	for _, v := range out {
		if !math.IsNaN(v) {
			sumsq += v * v
		}
	}
	if norm := math.Sqrt(sumsq); norm > 0 {
		for i := range out {
			out[i] /= norm
		}
	}
	return out
}

func nanMean(samples []float64) float64 {
	var sum float64
	var n int
	for _, v := range samples {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// CheckTimeShift verifies a computed tau by aligning both accelerometer
// signals and measuring the normalized RMS of their sum (the signals are
// opposite signed, so a good alignment sums to near zero). Normalization is
// by the DAQ signal's range; the downstream thresholds were calibrated
// against exactly this convention.
func CheckTimeShift(daqAcc, imuAcc signal.Signal, tau, maxNRMS float64) (float64, error) {
	daqT, err := truncateAndFill(daqAcc, tau)
	if err != nil {
		return 0, err
	}
	imuT, err := truncateAndFill(imuAcc, tau)
	if err != nil {
		return 0, err
	}

	n := daqT.Len()
	if imuT.Len() < n {
		n = imuT.Len()
	}
	var sumsq, daqMax, daqMin float64
	daqMax = math.Inf(-1)
	daqMin = math.Inf(1)
	for i := 0; i < n; i++ {
		s := imuT.At(i) + daqT.At(i)
		sumsq += s * s
		if v := daqT.At(i); v > daqMax {
			daqMax = v
		}
		if v := daqT.At(i); v < daqMin {
			daqMin = v
		}
	}
	nrms := math.Sqrt(sumsq/float64(n)) / (daqMax - daqMin)
	if nrms > maxNRMS {
		return nrms, &TimeShiftError{NRMS: nrms, Max: maxNRMS}
	}
	return nrms, nil
}

func truncateAndFill(s signal.Signal, tau float64) (signal.Signal, error) {
	t, err := s.Truncate(tau)
	if err != nil {
		return signal.Signal{}, err
	}
	return t.Spline()
}
