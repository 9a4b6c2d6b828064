package signal

import "gonum.org/v1/gonum/interp"

// Truncate shifts and clips the signal onto the common time base implied by
// the time shift tau between the two acquisition subsystems. The DAQ clock
// lags the IMU clock by tau, so DAQ time stamps are moved earlier by tau and
// the DAQ samples are linearly interpolated onto the IMU grid; IMU signals
// are sliced to the overlapping range without resampling.
func (s Signal) Truncate(tau float64) (Signal, error) {
	switch s.Source {
	case SourceDAQ, SourceIMU:
	default:
		return Signal{}, &UnknownSourceError{Name: s.Name, Source: s.Source}
	}

	t := s.Time()
	n := len(t)

	// Shifted DAQ time base and the untouched IMU base.
	tDAQ := make([]float64, n)
	for i, ti := range t {
		tDAQ[i] = ti - tau
	}
	tIMU := t

	// Common interval: IMU stamps strictly before the shifted DAQ end.
	end := n
	for end > 0 && tIMU[end-1] >= tDAQ[n-1] {
		end--
	}
	if end == 0 {
		return Signal{}, &ShapeError{Name: s.Name, Reason: "no overlap remains after time shift"}
	}
	tCommon := tIMU[:end]

	out := s.clone()
	if s.Source == SourceDAQ {
		var pl interp.PiecewiseLinear
		if err := pl.Fit(tDAQ, s.samples); err != nil {
			return Signal{}, err
		}
		vals := make([]float64, end)
		for i, tc := range tCommon {
			vals[i] = pl.Predict(tc)
		}
		out.samples = vals
	} else {
		out.samples = out.samples[:end]
	}
	return out, nil
}
