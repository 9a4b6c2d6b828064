package timesync

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/bikedaq/bikedaq/internal/monitoring"
	"github.com/bikedaq/bikedaq/internal/signal"
)

func init() {
	monitoring.SetLogger(nil)
}

const testRate = 200.0

// bumpProfile is a smooth high-amplitude transient centered at tc seconds.
func bumpProfile(t, tc float64) float64 {
	d := (t - tc) / 0.08
	return 8 * math.Exp(-d*d)
}

// syntheticPair builds an IMU signal with a bump at bumpTime and a DAQ
// signal recording the same event tau seconds later, sign flipped and
// noisy. The IMU copy is corrupted with NaN runs away from the bump.
func syntheticPair(tau, bumpTime float64, n int, corrupt bool) (daq, imu signal.Signal) {
	rng := rand.New(rand.NewSource(42))
	daqSamples := make([]float64, n)
	imuSamples := make([]float64, n)
	for i := 0; i < n; i++ {
		t := float64(i) / testRate
		imuSamples[i] = bumpProfile(t, bumpTime) + 0.05*rng.NormFloat64()
		daqSamples[i] = -(bumpProfile(t-tau, bumpTime) + 0.05*rng.NormFloat64())
	}
	if corrupt {
		for i := n - 400; i < n-390; i++ {
			imuSamples[i] = math.NaN()
		}
	}
	daq = signal.FromSamples(daqSamples, signal.Meta{
		Name: "AccelerometerAccelerationY", RunID: "00042",
		SampleRate: testRate, Source: signal.SourceDAQ,
		Units: "meter/second/second",
	})
	imu = signal.FromSamples(imuSamples, signal.Meta{
		Name: "AccelerationZ", RunID: "00042",
		SampleRate: testRate, Source: signal.SourceIMU,
		Units: "meter/second/second",
	})
	return daq, imu
}

func TestFindBumpLocatesPeak(t *testing.T) {
	n := 2400
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = bumpProfile(float64(i)/testRate, 2.0)
	}
	b := FindBump(samples, testRate, 3.0, Wheelbase, BumpLength)
	if b.Peak != 400 {
		t.Errorf("peak index = %d, want 400", b.Peak)
	}
	if b.Start >= b.Peak || b.Stop <= b.Peak {
		t.Errorf("window [%d, %d) does not bracket the peak %d", b.Start, b.Stop, b.Peak)
	}
	// window length must be a multiple-of-4 split one quarter before the
	// peak and three after
	if (b.Peak-b.Start)*3 != b.Stop-b.Peak {
		t.Errorf("window split %d/%d is not 1:3", b.Peak-b.Start, b.Stop-b.Peak)
	}
}

func TestFindBumpNegativePeak(t *testing.T) {
	samples := []float64{0, 0.1, -5, 0.2, 0, 0, 0, 0, 0, 0, 0, 0}
	b := FindBump(samples, testRate, 10, Wheelbase, BumpLength)
	if b.Peak != 2 {
		t.Errorf("peak index = %d, want 2 (largest magnitude is the minimum)", b.Peak)
	}
}

func TestFindBumpSkipsNaNs(t *testing.T) {
	samples := []float64{0, math.NaN(), 3, math.NaN(), 0, 0, 0, 0, 0}
	b := FindBump(samples, testRate, 10, Wheelbase, BumpLength)
	if b.Peak != 2 {
		t.Errorf("peak index = %d, want 2", b.Peak)
	}
}

func TestSyncErrorTauRange(t *testing.T) {
	time := signal.TimeVector(100, testRate)
	sig := make([]float64, 100)
	_, err := SyncError(1.0, sig, sig, time) // 1s shift on a 0.5s signal
	var tauErr *TauRangeError
	if !errors.As(err, &tauErr) {
		t.Fatalf("expected TauRangeError, got %v", err)
	}
}

func TestSyncErrorZeroAtPerfectAlignment(t *testing.T) {
	n := 400
	time := signal.TimeVector(n, testRate)
	sig := make([]float64, n)
	for i := range sig {
		sig[i] = math.Sin(2 * math.Pi * float64(i) / testRate)
	}
	e, err := SyncError(0, sig, sig, time)
	if err != nil {
		t.Fatal(err)
	}
	if e > 1e-9 {
		t.Errorf("error at zero shift = %v, want 0", e)
	}
}

func TestFindTimeshiftRecoversTau(t *testing.T) {
	for _, tau := range []float64{0.05, 0.2, 0.35, 0.45} {
		daq, imu := syntheticPair(tau, 2.0, 2400, true)
		res, err := FindTimeshift(daq, imu, testRate, 3.0)
		if err != nil {
			t.Fatalf("tau*=%v: %v", tau, err)
		}
		if math.Abs(res.Tau-tau) > 0.02 {
			t.Errorf("recovered tau = %v, want %v +/- 0.02", res.Tau, tau)
		}
	}
}

func TestFindTimeshiftCleanSignals(t *testing.T) {
	daq, imu := syntheticPair(0.25, 2.0, 2400, false)
	res, err := FindTimeshift(daq, imu, testRate, 3.0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Tau-0.25) > 0.02 {
		t.Errorf("recovered tau = %v, want 0.25", res.Tau)
	}
	if len(res.TauGrid) != len(res.ErrGrid) || len(res.TauGrid) == 0 {
		t.Error("error landscape missing from result")
	}
}

func TestFindTimeshiftLengthMismatch(t *testing.T) {
	daq, imu := syntheticPair(0.1, 2.0, 2400, false)
	short := imu.Slice(0, 100)
	if _, err := FindTimeshift(daq, short, testRate, 3.0); err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
}

func TestCheckTimeShiftAccepts(t *testing.T) {
	tau := 0.2
	daq, imu := syntheticPair(tau, 2.0, 2400, false)
	nrms, err := CheckTimeShift(daq, imu, tau, 0.15)
	if err != nil {
		t.Fatalf("good alignment rejected: %v (nrms %v)", err, nrms)
	}
}

func TestCheckTimeShiftRejects(t *testing.T) {
	daq, imu := syntheticPair(0.2, 2.0, 2400, false)
	// a grossly wrong tau must trip the check
	_, err := CheckTimeShift(daq, imu, 0.45, 0.05)
	var shiftErr *TimeShiftError
	if !errors.As(err, &shiftErr) {
		t.Fatalf("expected TimeShiftError, got %v", err)
	}
}
