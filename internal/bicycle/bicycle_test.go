package bicycle

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// benchmarkParams is the standard example bicycle from the literature.
func benchmarkParams() ParameterSet {
	return ParameterSet{
		"w": 1.02, "c": 0.08, "lam": math.Pi / 10,
		"rR": 0.3, "rF": 0.35,
		"mB": 85, "mR": 2, "mH": 4, "mF": 3,
		"xB": 0.3, "zB": -0.9, "xH": 0.9, "zH": -0.7,
		"IBxx": 9.2, "IByy": 11, "IBzz": 2.8, "IBxz": 2.4,
	}
}

func almost(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestBenchmarkToMooreRoundTrip(t *testing.T) {
	p := benchmarkParams()
	mp, err := BenchmarkToMoore(p)
	if err != nil {
		t.Fatal(err)
	}
	// the wheelbase and trail must be recoverable from the offsets
	w, c := mp.WheelbaseTrail(p["lam"])
	almost(t, "wheelbase", w, p["w"], 1e-12)
	almost(t, "trail", c, p["c"], 1e-12)

	// d2 closes the loop from rear wheel center to front wheel center
	lam := p["lam"]
	cl, sl := math.Cos(lam), math.Sin(lam)
	gap := p["rR"] + mp.D1*sl - p["rF"] + mp.D3*sl
	almost(t, "d2 closure", mp.D2*cl, gap, 1e-12)

	// rotating the inertia by lam must preserve its trace
	almost(t, "inertia trace", mp.Ic11+mp.Ic33, p["IBxx"]+p["IBzz"], 1e-12)
}

func TestBenchmarkToMooreMissingParameter(t *testing.T) {
	p := benchmarkParams()
	delete(p, "IBxz")
	if _, err := BenchmarkToMoore(p); err == nil {
		t.Fatal("expected an error for a missing parameter")
	}
}

func TestBicycleFor(t *testing.T) {
	for rider, want := range map[string]string{
		"Jason": "Rigid", "Charlie": "Rigidcl", "Luke": "Rigidcl",
	} {
		got, err := BicycleFor(rider)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("BicycleFor(%s) = %s, want %s", rider, got, want)
		}
	}
	if _, err := BicycleFor("Mary"); err == nil {
		t.Error("expected an error for an unknown rider")
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	data, err := json.Marshal(benchmarkParams())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "RigidJasonBenchmark.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := FileProvider{Dir: dir}.Parameters("Jason", "Rigid")
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := p.Get("w"); !ok || v != 1.02 {
		t.Errorf("w = %v, %v", v, ok)
	}

	if _, err := (FileProvider{Dir: dir}).Parameters("Luke", "Rigidcl"); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestYawRollPitchRate(t *testing.T) {
	lam := math.Pi / 10

	// pure roll: the body x rate passes straight through the de-tilt
	yr, rr, pr := YawRollPitchRate(0.5*math.Cos(lam), 0, 0.5*math.Sin(lam), lam, 0)
	almost(t, "yaw rate", yr, 0, 1e-12)
	almost(t, "roll rate", rr, 0.5, 1e-12)
	almost(t, "pitch rate", pr, 0, 1e-12)

	// pure yaw at roll angle phi appears on the body y and z axes
	phi := 0.2
	by := 0.8 * math.Sin(phi)
	bz := 0.8 * math.Cos(phi)
	yr, rr, pr = YawRollPitchRate(-bz*math.Sin(lam), by, bz*math.Cos(lam), lam, phi)
	almost(t, "yaw rate", yr, 0.8, 1e-12)
	almost(t, "roll rate", rr, 0, 1e-12)
	almost(t, "pitch rate", pr, 0, 1e-12)
}

func TestFrontWheelYawAngle(t *testing.T) {
	lam := math.Pi / 10

	// no steer, the wheel tracks the frame heading
	almost(t, "straight", FrontWheelYawAngle(0.3, 0.1, 0, lam), 0.3, 1e-12)

	// upright small steer is attenuated by cos(lam)
	delta := 0.05
	got := FrontWheelYawAngle(0, 0, delta, lam)
	almost(t, "small steer", got, math.Atan(math.Cos(lam)*math.Tan(delta)), 1e-12)
}

func TestRearContactRate(t *testing.T) {
	// a backward spin rate rolls the wheel forward
	lon, lat := RearContactRate(0.3, -10, 0)
	almost(t, "lon", lon, 3, 1e-12)
	almost(t, "lat", lat, 0, 1e-12)

	lon, lat = RearContactRate(0.3, -10, math.Pi/2)
	almost(t, "lon", lon, 0, 1e-12)
	almost(t, "lat", lat, 3, 1e-12)
}

func TestFrontContact(t *testing.T) {
	// straight and aligned: the front contact is one wheelbase ahead
	lon, lat := FrontContact(1, 2, 0, 0, 1.02, 0.08)
	almost(t, "lon", lon, 2.02, 1e-12)
	almost(t, "lat", lat, 2, 1e-12)

	// heading north instead
	lon, lat = FrontContact(0, 0, math.Pi/2, math.Pi/2, 1.02, 0.08)
	almost(t, "lon", lon, 0, 1e-12)
	almost(t, "lat", lat, 1.02, 1e-12)
}

func TestFrontWheelRate(t *testing.T) {
	// rolling forward at 3 m/s on a 0.35 m wheel
	got := FrontWheelRate(0, 3, 0, 0.35)
	almost(t, "rate", got, -3/0.35, 1e-12)

	// the lateral component is projected out when heading north
	got = FrontWheelRate(math.Pi/2, 0, 3, 0.35)
	almost(t, "rate", got, -3/0.35, 1e-12)
}

func TestContactPointsAccelerationStatic(t *testing.T) {
	// an upright bicycle at rest reads only gravity on the accelerometer
	in := ContactAccelInput{
		Az:              -gravity,
		S1:              0.3, S3: 0.9,
		Wheelbase:       1.02,
		RearWheelRadius: 0.3,
	}
	rl, rt, rv, fl, ft, fv := ContactPointsAcceleration(in)
	for name, v := range map[string]float64{
		"rear lon": rl, "rear lat": rt, "rear vert": rv,
		"front lon": fl, "front lat": ft, "front vert": fv,
	} {
		almost(t, name, v, 0, 1e-12)
	}
}

func TestContactPointsAccelerationYawSpin(t *testing.T) {
	// a pure yaw spin leaves the rear contact on the spin axis but gives
	// the front contact a centripetal acceleration of w*yawRate^2
	in := ContactAccelInput{
		Az:              -gravity,
		YawRate:         2,
		S1:              0.3,
		Wheelbase:       1.02,
		RearWheelRadius: 0.3,
	}
	// the accelerometer sits s1 ahead of the contact and feels the
	// centripetal acceleration -s1*yawRate^2 along x
	in.Ax = -in.S1 * in.YawRate * in.YawRate

	rl, rt, _, fl, ft, _ := ContactPointsAcceleration(in)
	almost(t, "rear lon", rl, 0, 1e-9)
	almost(t, "rear lat", rt, 0, 1e-9)
	almost(t, "front lon", fl, -1.02*4, 1e-9)
	almost(t, "front lat", ft, 0, 1e-9)
}

func TestComputeSteerTorqueFriction(t *testing.T) {
	p := HandlebarParams{Mass: 2}

	// a steady fork rate sees viscous plus Coulomb friction only
	s := SteerTorqueSample{ForkRate: 1.5, ColumnTorque: 2}
	c := ComputeSteerTorque(p, s)
	almost(t, "viscous", c.Viscous, SteerColumnDamping*1.5, 1e-12)
	almost(t, "coulomb", c.Coulomb, SteerColumnFriction, 1e-12)
	almost(t, "rider", c.Rider(), 2-SteerColumnDamping*1.5-SteerColumnFriction, 1e-12)

	// the Coulomb term flips with the rate
	s.ForkRate = -1.5
	c = ComputeSteerTorque(p, s)
	almost(t, "coulomb", c.Coulomb, -SteerColumnFriction, 1e-12)
}

func TestComputeSteerTorqueInertia(t *testing.T) {
	p := HandlebarParams{
		Mass:    2,
		Inertia: Mat3{{0.1, 0, 0}, {0, 0.1, 0}, {0, 0, 0.05}},
	}

	// angular acceleration about the steer axis costs Izz*alpha
	s := SteerTorqueSample{ForkAccel: 3}
	c := ComputeSteerTorque(p, s)
	almost(t, "hdot", c.HDot, 0.05*3, 1e-12)

	// a laterally accelerating axis point with an offset mass center adds
	// a moment about the steer axis
	p.ComOffset = Vec3{0.1, 0, 0}
	s = SteerTorqueSample{SpecificForce: Vec3{0, 2, 0}}
	c = ComputeSteerTorque(p, s)
	almost(t, "cross", c.Cross, 0.1*2*2, 1e-12)
}

func TestSlipSteerTorque(t *testing.T) {
	mp, err := BenchmarkToMoore(benchmarkParams())
	if err != nil {
		t.Fatal(err)
	}

	// everything at rest gives zero torque
	if got := SlipSteerTorque(mp, SlipSteerTorqueSample{Speed: 3}); got != 0 {
		t.Errorf("torque at rest = %v", got)
	}

	// a pure steer acceleration costs Ic33
	got := SlipSteerTorque(mp, SlipSteerTorqueSample{Speed: 3, SteerAccel: 2})
	almost(t, "steer accel", got, mp.Ic33*2, 1e-12)
}

func TestContactForcesBalance(t *testing.T) {
	p := benchmarkParams()
	mp, err := BenchmarkToMoore(p)
	if err != nil {
		t.Fatal(err)
	}
	lam := p["lam"]
	m := mp.Mc + mp.Md + mp.Me + mp.Mf

	// uniform lateral acceleration with no yaw acceleration splits by the
	// mass center position and sums to m*a
	f := ContactForcesSlip(mp, lam, 0, 1.5, 0, 1.5, 0)
	almost(t, "lat sum", f.RearLat+f.FrontLat, m*1.5, 1e-9)
	almost(t, "lon sum", f.RearLon+f.FrontLon, 0, 1e-9)
	if f.RearLat <= 0 || f.FrontLat <= 0 {
		t.Errorf("lateral forces not both positive: %+v", f)
	}

	// a pure yaw acceleration loads the tires in opposition
	f = ContactForcesSlip(mp, lam, 0, 0, 0, 0, 2)
	almost(t, "lat sum", f.RearLat+f.FrontLat, 0, 1e-9)
	if f.FrontLat <= 0 || f.RearLat >= 0 {
		t.Errorf("yaw moment signs wrong: %+v", f)
	}
}

func TestContactForcesNonslip(t *testing.T) {
	p := benchmarkParams()
	mp, err := BenchmarkToMoore(p)
	if err != nil {
		t.Fatal(err)
	}
	lam := p["lam"]
	m := mp.Mc + mp.Md + mp.Me + mp.Mf

	// steady turning: speed v, yaw rate r, lateral force m*v*r
	rearRate := -10.0 // 3 m/s on a 0.3 m wheel
	f := ContactForcesNonslip(mp, lam, rearRate, -3/mp.Rf, 0, 0, 0.5, 0)
	almost(t, "lat sum", f.RearLat+f.FrontLat, m*3*0.5, 1e-9)
	almost(t, "lon sum", f.RearLon+f.FrontLon, 0, 1e-9)
}
