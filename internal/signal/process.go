package signal

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"
)

// Spline returns the signal with NaN runs replaced by a natural cubic spline
// fit through the non-NaN samples indexed by time. Leading or trailing NaNs
// force extrapolation, which is not supported.
func (s Signal) Spline() (Signal, error) {
	if !s.HasNaN() {
		return s, nil
	}
	t := s.Time()
	ts := make([]float64, 0, s.Len())
	vs := make([]float64, 0, s.Len())
	for i, v := range s.samples {
		if !math.IsNaN(v) {
			ts = append(ts, t[i])
			vs = append(vs, v)
		}
	}
	if len(ts) < 4 {
		return Signal{}, &ShapeError{Name: s.Name, Reason: fmt.Sprintf("only %d valid samples, cannot spline", len(ts))}
	}

	var nc interp.NaturalCubic
	if err := nc.Fit(ts, vs); err != nil {
		return Signal{}, fmt.Errorf("signal %s: spline fit: %w", s.Name, err)
	}
	out := s.clone()
	for i, v := range out.samples {
		if math.IsNaN(v) {
			out.samples[i] = nc.Predict(t[i])
		}
	}
	return out, nil
}

// Filter returns the signal low-passed by a zero-phase second order
// Butterworth at the given cutoff frequency. NaNs are spline-filled first.
func (s Signal) Filter(cutoff float64) (Signal, error) {
	splined, err := s.Spline()
	if err != nil {
		return Signal{}, err
	}
	out := splined.clone()
	out.samples = Butterworth(out.samples, cutoff, s.SampleRate)
	return out, nil
}

// Butterworth applies a second order low-pass Butterworth filter forward and
// backward over data, which doubles the attenuation and cancels the phase
// lag. The ends are extended by reflection before filtering to suppress
// startup transients.
func Butterworth(data []float64, cutoff, sampleRate float64) []float64 {
	b, a := butterCoeffs(cutoff, sampleRate)

	const padLen = 9
	padded := reflectPad(data, padLen)

	forward := lfilter(b, a, padded)
	floats.Reverse(forward)
	backward := lfilter(b, a, forward)
	floats.Reverse(backward)

	out := make([]float64, len(data))
	if len(padded) > len(data) {
		copy(out, backward[padLen:len(backward)-padLen])
	} else {
		copy(out, backward)
	}
	return out
}

// butterCoeffs returns the discrete transfer function of a second order
// Butterworth low-pass via the bilinear transform with frequency prewarping.
func butterCoeffs(cutoff, sampleRate float64) (b, a [3]float64) {
	wc := math.Tan(math.Pi * cutoff / sampleRate)
	k1 := math.Sqrt2 * wc
	k2 := wc * wc
	norm := 1 + k1 + k2

	b[0] = k2 / norm
	b[1] = 2 * b[0]
	b[2] = b[0]
	a[0] = 1
	a[1] = 2 * (k2 - 1) / norm
	a[2] = (1 - k1 + k2) / norm
	return b, a
}

func lfilter(b, a [3]float64, x []float64) []float64 {
	y := make([]float64, len(x))
	var x1, x2, y1, y2 float64
	for i, xi := range x {
		yi := b[0]*xi + b[1]*x1 + b[2]*x2 - a[1]*y1 - a[2]*y2
		x2, x1 = x1, xi
		y2, y1 = y1, yi
		y[i] = yi
	}
	return y
}

// reflectPad extends data by n odd-reflected samples at each end. Returns the
// original slice when it is too short to reflect.
func reflectPad(data []float64, n int) []float64 {
	if len(data) <= n {
		return data
	}
	out := make([]float64, 0, len(data)+2*n)
	for i := n; i > 0; i-- {
		out = append(out, 2*data[0]-data[i])
	}
	out = append(out, data...)
	last := len(data) - 1
	for i := 1; i <= n; i++ {
		out = append(out, 2*data[last]-data[last-i])
	}
	return out
}

// TimeDerivative returns the numeric derivative over the time vector: a
// central difference on interior samples with one-sided differences at the
// ends, followed by a zero-phase three-point binomial pass over the
// interior. Differencing amplifies sample noise by the rate, and every
// derived rate and acceleration feeds the torque and force relations, so
// the smoothing matters more than its half-sample bandwidth cost. The
// result is renamed <name>Dot and the units gain "/second".
func (s Signal) TimeDerivative() Signal {
	n := s.Len()
	dt := 1 / s.SampleRate
	out := s.clone()
	if n == 1 {
		out.samples[0] = 0
	} else {
		d := make([]float64, n)
		d[0] = (s.samples[1] - s.samples[0]) / dt
		for i := 1; i < n-1; i++ {
			d[i] = (s.samples[i+1] - s.samples[i-1]) / (2 * dt)
		}
		d[n-1] = (s.samples[n-1] - s.samples[n-2]) / dt
		if n > 3 {
			sm := make([]float64, n)
			copy(sm, d)
			for i := 1; i < n-1; i++ {
				sm[i] = (d[i-1] + 2*d[i] + d[i+1]) / 4
			}
			d = sm
		}
		out.samples = d
	}
	out.Name = s.Name + "Dot"
	out.Units = s.Units + "/second"
	return out
}

// Integrate returns the cumulative trapezoidal integral adjusted by the
// initial condition. With detrend set, a least squares quadratic is fit to
// the integral and subtracted; this counters the drift that gyro bias
// introduces when rates are integrated to positions. The result is renamed
// <name>Int and the units gain "*second".
func (s Signal) Integrate(initial float64, detrend bool) Signal {
	t := s.Time()
	grated := make([]float64, s.Len())
	grated[0] = initial
	for i := 1; i < s.Len(); i++ {
		grated[i] = grated[i-1] + (t[i]-t[i-1])*(s.samples[i]+s.samples[i-1])/2
	}

	if detrend {
		a, b, c := quadraticFit(t, grated)
		for i := range grated {
			grated[i] -= a*t[i]*t[i] + b*t[i] + c
		}
	}

	out := s.clone()
	out.samples = grated
	out.Name = s.Name + "Int"
	out.Units = s.Units + "*second"
	return out
}

// quadraticFit solves the least squares problem for y = a*x^2 + b*x + c.
func quadraticFit(x, y []float64) (a, b, c float64) {
	n := len(x)
	vand := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		vand.Set(i, 0, x[i]*x[i])
		vand.Set(i, 1, x[i])
		vand.Set(i, 2, 1)
	}
	var qr mat.QR
	qr.Factorize(vand)
	var coef mat.VecDense
	if err := qr.SolveVecTo(&coef, false, mat.NewVecDense(n, y)); err != nil {
		// Degenerate fits (constant time vector) leave the integral as is.
		return 0, 0, 0
	}
	return coef.AtVec(0), coef.AtVec(1), coef.AtVec(2)
}

// SubtractMean returns the zero-mean signal.
func (s Signal) SubtractMean() Signal {
	return s.Shift(-s.Mean())
}

// Normalize returns the signal scaled to unit Euclidean norm. A zero signal
// is returned unchanged.
func (s Signal) Normalize() Signal {
	norm := floats.Norm(s.samples, 2)
	if norm == 0 {
		return s
	}
	return s.Scale(1 / norm)
}

// Frequency returns the single-sided amplitude spectrum of the signal and
// the matching frequency bins. NaNs are spline-filled first.
func (s Signal) Frequency() (freqs, amplitudes []float64, err error) {
	splined, err := s.Spline()
	if err != nil {
		return nil, nil, err
	}
	n := splined.Len()
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, splined.samples)

	half := n/2 + 1
	freqs = make([]float64, half)
	amplitudes = make([]float64, half)
	for i := 0; i < half; i++ {
		freqs[i] = fft.Freq(i) * s.SampleRate
		amplitudes[i] = 2 * cmplx.Abs(coeffs[i]) / float64(n)
	}
	amplitudes[0] /= 2
	return freqs, amplitudes, nil
}
