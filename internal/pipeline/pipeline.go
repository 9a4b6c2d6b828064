// Package pipeline derives physical quantities from the calibrated,
// time-aligned channels of one trial. Stages run in a fixed order; each
// declares the named inputs it needs and merges its outputs into the
// running collection. A stage whose inputs are missing logs a warning and
// is skipped, so one dead sensor degrades the output set instead of
// aborting the run.
package pipeline

import (
	"fmt"
	"math"
	"sort"

	"github.com/bikedaq/bikedaq/internal/bicycle"
	"github.com/bikedaq/bikedaq/internal/monitoring"
	"github.com/bikedaq/bikedaq/internal/signal"
)

// SignalSet maps signal names to signals. Each pipeline phase produces a
// fresh set; earlier sets are never mutated.
type SignalSet map[string]signal.Signal

// Clone returns a shallow copy. Signals are immutable, so sharing them
// between sets is safe.
func (ss SignalSet) Clone() SignalSet {
	out := make(SignalSet, len(ss))
	for k, v := range ss {
		out[k] = v
	}
	return out
}

// Names returns the signal names in sorted order.
func (ss SignalSet) Names() []string {
	names := make([]string, 0, len(ss))
	for k := range ss {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (ss SignalSet) runID() string {
	for _, s := range ss {
		return s.RunID
	}
	return ""
}

// Params carries the rider/bicycle constants the stages evaluate with.
type Params struct {
	Lam       float64 // steer axis tilt
	Moore     bicycle.MooreParams
	Handlebar bicycle.HandlebarParams
}

// A Stage computes one group of derived signals from the running set.
type Stage struct {
	Name  string
	Needs []string
	Apply func(p Params, in SignalSet) ([]signal.Signal, error)
}

func (st Stage) missing(ss SignalSet) []string {
	var missing []string
	for _, name := range st.Needs {
		if _, ok := ss[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func runStages(stages []Stage, p Params, in SignalSet) SignalSet {
	out := in.Clone()
	for _, st := range stages {
		if missing := st.missing(out); len(missing) > 0 {
			monitoring.Logf("pipeline: skipping %s for run %s: missing %v",
				st.Name, out.runID(), missing)
			continue
		}
		sigs, err := st.Apply(p, out)
		if err != nil {
			monitoring.Logf("pipeline: stage %s failed for run %s: %v",
				st.Name, out.runID(), err)
			continue
		}
		for _, sg := range sigs {
			out[sg.Name] = sg
		}
	}
	return out
}

// Computed runs the per-sample stages that need no integration: forward
// speed, pull force, frame acceleration, steer rate, body rates and rider
// steer torque.
func Computed(p Params, calibrated SignalSet) SignalSet {
	return runStages(computedStages, p, calibrated)
}

// Task runs the trajectory stages over an extracted task interval: yaw
// angle, contact point kinematics, contact accelerations and the slip and
// non-slip force models. Integration-based outputs only make sense after
// the lead-in has been clipped, which is why these run on the task
// interval rather than the whole trial.
func Task(p Params, task SignalSet) SignalSet {
	return runStages(taskStages, p, task)
}

// derive builds a computed signal sample-by-sample, inheriting run id and
// rate from src.
func derive(src signal.Signal, name, units string, f func(i int) float64) signal.Signal {
	out := make([]float64, src.Len())
	for i := range out {
		out[i] = f(i)
	}
	return signal.FromSamples(out, signal.Meta{
		Name:       name,
		RunID:      src.RunID,
		SampleRate: src.SampleRate,
		Source:     signal.SourceNone,
		Units:      units,
	})
}

func equalLengths(ss SignalSet, names ...string) error {
	n := ss[names[0]].Len()
	for _, name := range names[1:] {
		if ss[name].Len() != n {
			return fmt.Errorf("signal %s has %d samples, %s has %d",
				name, ss[name].Len(), names[0], n)
		}
	}
	return nil
}

var computedStages = []Stage{
	{
		Name:  "forward speed",
		Needs: []string{"RearWheelRate"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			rate := in["RearWheelRate"]
			out := derive(rate, "ForwardSpeed", "meter/second", func(i int) float64 {
				return -p.Moore.Rr * rate.At(i)
			})
			return []signal.Signal{out}, nil
		},
	},
	{
		Name:  "pull force",
		Needs: []string{"PullForceBridge"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			// the bridge reads tension on the lateral rope as negative
			out := in["PullForceBridge"].Neg().Renamed("PullForce", "newton")
			return []signal.Signal{out}, nil
		},
	},
	{
		Name:  "frame acceleration",
		Needs: []string{"AccelerationX", "AccelerationY", "AccelerationZ"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			var out []signal.Signal
			for _, axis := range []string{"X", "Y", "Z"} {
				s := in["Acceleration"+axis].Renamed("FrameAcceleration"+axis, "meter/second/second")
				out = append(out, s)
			}
			return out, nil
		},
	},
	{
		Name:  "steer rate",
		Needs: []string{"ForkRate", "AngularRateZ"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			diff, err := signal.Sub(in["ForkRate"], in["AngularRateZ"])
			if err != nil {
				return nil, err
			}
			return []signal.Signal{diff.Renamed("SteerRate", "radian/second")}, nil
		},
	},
	{
		Name:  "frame rates",
		Needs: []string{"AngularRateX", "AngularRateY", "AngularRateZ"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			if err := equalLengths(in, "AngularRateX", "AngularRateY", "AngularRateZ"); err != nil {
				return nil, err
			}
			wx, wy, wz := in["AngularRateX"], in["AngularRateY"], in["AngularRateZ"]
			// roll is optional; an upright assumption is close enough for
			// runs without the roll potentiometer
			roll, hasRoll := in["RollAngle"]
			rollAt := func(i int) float64 {
				if hasRoll {
					return roll.At(i)
				}
				return 0
			}
			n := wx.Len()
			yr := make([]float64, n)
			rr := make([]float64, n)
			pr := make([]float64, n)
			for i := 0; i < n; i++ {
				yr[i], rr[i], pr[i] = bicycle.YawRollPitchRate(
					wx.At(i), wy.At(i), wz.At(i), p.Lam, rollAt(i))
			}
			meta := signal.Meta{
				RunID:      wx.RunID,
				SampleRate: wx.SampleRate,
				Source:     signal.SourceNone,
				Units:      "radian/second",
			}
			out := make([]signal.Signal, 0, 3)
			for name, samples := range map[string][]float64{
				"YawRate": yr, "RollRate": rr, "PitchRate": pr,
			} {
				m := meta
				m.Name = name
				out = append(out, signal.FromSamples(samples, m))
			}
			return out, nil
		},
	},
	{
		Name: "steer torque",
		Needs: []string{"SteerTubeTorque", "ForkRate",
			"AngularRateX", "AngularRateY",
			"FrameAccelerationX", "FrameAccelerationY", "FrameAccelerationZ"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			if err := equalLengths(in, "SteerTubeTorque", "ForkRate",
				"AngularRateX", "AngularRateY",
				"FrameAccelerationX", "FrameAccelerationY", "FrameAccelerationZ"); err != nil {
				return nil, err
			}
			tube := in["SteerTubeTorque"]
			fork := in["ForkRate"]
			wx, wy := in["AngularRateX"], in["AngularRateY"]
			ax, ay, az := in["FrameAccelerationX"], in["FrameAccelerationY"], in["FrameAccelerationZ"]
			forkDot := fork.TimeDerivative()
			wxDot := wx.TimeDerivative()
			wyDot := wy.TimeDerivative()
			out := derive(tube, "SteerTorque", "newton*meter", func(i int) float64 {
				s := bicycle.SteerTorqueSample{
					FrameRate:     bicycle.Vec3{wx.At(i), wy.At(i), 0},
					FrameAccel:    bicycle.Vec3{wxDot.At(i), wyDot.At(i), 0},
					SpecificForce: bicycle.Vec3{ax.At(i), ay.At(i), az.At(i)},
					ForkRate:      fork.At(i),
					ForkAccel:     forkDot.At(i),
					ColumnTorque:  tube.At(i),
				}
				return bicycle.ComputeSteerTorque(p.Handlebar, s).Rider()
			})
			return []signal.Signal{out}, nil
		},
	},
}

var taskStages = []Stage{
	{
		Name:  "yaw angle",
		Needs: []string{"YawRate"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			// detrend counters rate gyro drift over the task interval
			out := in["YawRate"].Integrate(0, true).Renamed("YawAngle", "radian")
			return []signal.Signal{out}, nil
		},
	},
	{
		Name:  "rear contact rates",
		Needs: []string{"YawAngle", "RearWheelRate"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			if err := equalLengths(in, "YawAngle", "RearWheelRate"); err != nil {
				return nil, err
			}
			psi, rate := in["YawAngle"], in["RearWheelRate"]
			lon := derive(psi, "LongitudinalRearContactRate", "meter/second", func(i int) float64 {
				l, _ := bicycle.RearContactRate(p.Moore.Rr, rate.At(i), psi.At(i))
				return l
			})
			lat := derive(psi, "LateralRearContactRate", "meter/second", func(i int) float64 {
				_, l := bicycle.RearContactRate(p.Moore.Rr, rate.At(i), psi.At(i))
				return l
			})
			return []signal.Signal{lon, lat}, nil
		},
	},
	{
		Name:  "rear contact points",
		Needs: []string{"LongitudinalRearContactRate", "LateralRearContactRate"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			lon := in["LongitudinalRearContactRate"].Integrate(0, false).
				Renamed("LongitudinalRearContact", "meter")
			// lateral drift accumulates from roll contamination
			lat := in["LateralRearContactRate"].Integrate(0, true).
				Renamed("LateralRearContact", "meter")
			return []signal.Signal{lon, lat}, nil
		},
	},
	{
		Name:  "front wheel yaw angle",
		Needs: []string{"YawAngle", "RollAngle", "SteerAngle"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			if err := equalLengths(in, "YawAngle", "RollAngle", "SteerAngle"); err != nil {
				return nil, err
			}
			psi, phi, delta := in["YawAngle"], in["RollAngle"], in["SteerAngle"]
			out := derive(psi, "FrontWheelYawAngle", "radian", func(i int) float64 {
				return bicycle.FrontWheelYawAngle(psi.At(i), phi.At(i), delta.At(i), p.Lam)
			})
			return []signal.Signal{out}, nil
		},
	},
	{
		Name: "front contact points",
		Needs: []string{"LongitudinalRearContact", "LateralRearContact",
			"YawAngle", "FrontWheelYawAngle"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			if err := equalLengths(in, "LongitudinalRearContact", "LateralRearContact",
				"YawAngle", "FrontWheelYawAngle"); err != nil {
				return nil, err
			}
			w, c := p.Moore.WheelbaseTrail(p.Lam)
			lonR, latR := in["LongitudinalRearContact"], in["LateralRearContact"]
			psi, psiF := in["YawAngle"], in["FrontWheelYawAngle"]
			lon := derive(psi, "LongitudinalFrontContact", "meter", func(i int) float64 {
				l, _ := bicycle.FrontContact(lonR.At(i), latR.At(i), psi.At(i), psiF.At(i), w, c)
				return l
			})
			lat := derive(psi, "LateralFrontContact", "meter", func(i int) float64 {
				_, l := bicycle.FrontContact(lonR.At(i), latR.At(i), psi.At(i), psiF.At(i), w, c)
				return l
			})
			return []signal.Signal{lon, lat}, nil
		},
	},
	{
		Name: "front wheel rate",
		Needs: []string{"LongitudinalFrontContact", "LateralFrontContact",
			"FrontWheelYawAngle"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			lonDot := in["LongitudinalFrontContact"].TimeDerivative()
			latDot := in["LateralFrontContact"].TimeDerivative()
			psiF := in["FrontWheelYawAngle"]
			out := derive(psiF, "FrontWheelRate", "radian/second", func(i int) float64 {
				return bicycle.FrontWheelRate(psiF.At(i), lonDot.At(i), latDot.At(i), p.Moore.Rf)
			})
			return []signal.Signal{out}, nil
		},
	},
	{
		Name: "contact accelerations",
		Needs: []string{"FrameAccelerationX", "FrameAccelerationY", "FrameAccelerationZ",
			"YawAngle", "RollAngle", "YawRate", "RollRate", "PitchRate"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			if err := equalLengths(in,
				"FrameAccelerationX", "FrameAccelerationY", "FrameAccelerationZ",
				"YawAngle", "RollAngle", "YawRate", "RollRate", "PitchRate"); err != nil {
				return nil, err
			}
			ax, ay, az := in["FrameAccelerationX"], in["FrameAccelerationY"], in["FrameAccelerationZ"]
			psi, phi := in["YawAngle"], in["RollAngle"]
			yr, rr, pr := in["YawRate"], in["RollRate"], in["PitchRate"]
			yrDot := yr.TimeDerivative()
			rrDot := rr.TimeDerivative()
			prDot := pr.TimeDerivative()
			w, _ := p.Moore.WheelbaseTrail(p.Lam)

			n := psi.Len()
			samples := make([][]float64, 6)
			for j := range samples {
				samples[j] = make([]float64, n)
			}
			for i := 0; i < n; i++ {
				inp := bicycle.ContactAccelInput{
					Ax: ax.At(i), Ay: ay.At(i), Az: az.At(i),
					Yaw: psi.At(i), Roll: phi.At(i),
					YawRate: yr.At(i), RollRate: rr.At(i), PitchRate: pr.At(i),
					YawAccel: yrDot.At(i), RollAccel: rrDot.At(i), PitchAccel: prDot.At(i),
					S1:               p.Handlebar.SensorArm[0] + p.Moore.L4,
					S3:               p.Handlebar.SensorArm[2],
					Wheelbase:        w,
					RearWheelRadius:  p.Moore.Rr,
					FrontWheelRadius: p.Moore.Rf,
				}
				samples[0][i], samples[1][i], samples[2][i],
					samples[3][i], samples[4][i], samples[5][i] = bicycle.ContactPointsAcceleration(inp)
			}
			names := []string{
				"LongitudinalRearContactAcceleration",
				"LateralRearContactAcceleration",
				"VerticalRearContactAcceleration",
				"LongitudinalFrontContactAcceleration",
				"LateralFrontContactAcceleration",
				"VerticalFrontContactAcceleration",
			}
			out := make([]signal.Signal, len(names))
			for j, name := range names {
				out[j] = signal.FromSamples(samples[j], signal.Meta{
					Name:       name,
					RunID:      psi.RunID,
					SampleRate: psi.SampleRate,
					Source:     signal.SourceNone,
					Units:      "meter/second/second",
				})
			}
			return out, nil
		},
	},
	{
		Name: "slip steer torque",
		Needs: []string{"ForwardSpeed", "RollAngle", "SteerAngle",
			"YawRate", "RollRate", "SteerRate",
			"LateralRearContactAcceleration", "LateralFrontContactAcceleration"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			if err := equalLengths(in, "ForwardSpeed", "RollAngle", "SteerAngle",
				"YawRate", "RollRate", "SteerRate",
				"LateralRearContactAcceleration", "LateralFrontContactAcceleration"); err != nil {
				return nil, err
			}
			v := in["ForwardSpeed"]
			phi, delta := in["RollAngle"], in["SteerAngle"]
			yr, rr, sr := in["YawRate"], in["RollRate"], in["SteerRate"]
			latR, latF := in["LateralRearContactAcceleration"], in["LateralFrontContactAcceleration"]
			yrDot := yr.TimeDerivative()
			rrDot := rr.TimeDerivative()
			srDot := sr.TimeDerivative()
			out := derive(v, "SlipSteerTorque", "newton*meter", func(i int) float64 {
				return bicycle.SlipSteerTorque(p.Moore, bicycle.SlipSteerTorqueSample{
					Speed:         v.At(i),
					Roll:          phi.At(i),
					Steer:         delta.At(i),
					YawRate:       yr.At(i),
					RollRate:      rr.At(i),
					SteerRate:     sr.At(i),
					YawAccel:      yrDot.At(i),
					RollAccel:     rrDot.At(i),
					SteerAccel:    srDot.At(i),
					RearLatAccel:  latR.At(i),
					FrontLatAccel: latF.At(i),
				})
			})
			return []signal.Signal{out}, nil
		},
	},
	{
		Name: "slip contact forces",
		Needs: []string{"LongitudinalRearContactAcceleration", "LateralRearContactAcceleration",
			"LongitudinalFrontContactAcceleration", "LateralFrontContactAcceleration",
			"YawRate"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			if err := equalLengths(in,
				"LongitudinalRearContactAcceleration", "LateralRearContactAcceleration",
				"LongitudinalFrontContactAcceleration", "LateralFrontContactAcceleration",
				"YawRate"); err != nil {
				return nil, err
			}
			lonR, latR := in["LongitudinalRearContactAcceleration"], in["LateralRearContactAcceleration"]
			lonF, latF := in["LongitudinalFrontContactAcceleration"], in["LateralFrontContactAcceleration"]
			yrDot := in["YawRate"].TimeDerivative()
			forces := func(i int) bicycle.ContactForces {
				return bicycle.ContactForcesSlip(p.Moore, p.Lam,
					lonR.At(i), latR.At(i), lonF.At(i), latF.At(i), yrDot.At(i))
			}
			return forceSignals(latR, "Slip", forces), nil
		},
	},
	{
		Name:  "nonslip contact forces",
		Needs: []string{"RearWheelRate", "FrontWheelRate", "YawRate"},
		Apply: func(p Params, in SignalSet) ([]signal.Signal, error) {
			if err := equalLengths(in, "RearWheelRate", "FrontWheelRate", "YawRate"); err != nil {
				return nil, err
			}
			u5, u6, yr := in["RearWheelRate"], in["FrontWheelRate"], in["YawRate"]
			u5Dot := u5.TimeDerivative()
			u6Dot := u6.TimeDerivative()
			yrDot := yr.TimeDerivative()
			forces := func(i int) bicycle.ContactForces {
				return bicycle.ContactForcesNonslip(p.Moore, p.Lam,
					u5.At(i), u6.At(i), u5Dot.At(i), u6Dot.At(i), yr.At(i), yrDot.At(i))
			}
			return forceSignals(yr, "NonSlip", forces), nil
		},
	},
}

// forceSignals expands a per-sample force model into the four named force
// series.
func forceSignals(src signal.Signal, suffix string, at func(i int) bicycle.ContactForces) []signal.Signal {
	n := src.Len()
	samples := make([][]float64, 4)
	for j := range samples {
		samples[j] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		f := at(i)
		samples[0][i] = f.RearLon
		samples[1][i] = f.RearLat
		samples[2][i] = f.FrontLon
		samples[3][i] = f.FrontLat
	}
	names := []string{
		"LongitudinalRearContactForce",
		"LateralRearContactForce",
		"LongitudinalFrontContactForce",
		"LateralFrontContactForce",
	}
	out := make([]signal.Signal, len(names))
	for j, name := range names {
		out[j] = signal.FromSamples(samples[j], signal.Meta{
			Name:       name + suffix,
			RunID:      src.RunID,
			SampleRate: src.SampleRate,
			Source:     signal.SourceNone,
			Units:      "newton",
		})
	}
	return out
}

// MeanSpeed summarizes the forward speed of a task set; it returns NaNs
// when the speed signal is absent.
func MeanSpeed(ss SignalSet) (mean, std float64) {
	v, ok := ss["ForwardSpeed"]
	if !ok {
		return math.NaN(), math.NaN()
	}
	return v.Mean(), v.Std()
}
