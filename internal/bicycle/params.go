// Package bicycle supplies the physical parameters of a rider/bicycle pair
// and the closed-form multibody relations evaluated over task signals.
package bicycle

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/bikedaq/bikedaq/internal/security"
)

// ParameterSet is a flat mapping of named physical constants (geometry,
// inertia, mass) in SI units.
type ParameterSet map[string]float64

// Get returns a named parameter.
func (p ParameterSet) Get(name string) (float64, bool) {
	v, ok := p[name]
	return v, ok
}

// Require returns the named parameters or an error listing the first one
// missing.
func (p ParameterSet) Require(names ...string) ([]float64, error) {
	out := make([]float64, len(names))
	for i, name := range names {
		v, ok := p[name]
		if !ok {
			return nil, fmt.Errorf("parameter %s is not defined", name)
		}
		out[i] = v
	}
	return out, nil
}

// Provider resolves the parameter set for a rider on a bicycle.
type Provider interface {
	Parameters(rider, bicycle string) (ParameterSet, error)
}

// BicycleFor maps a rider to the configuration of the instrumented bicycle
// they rode. Charlie and Luke shared one seat and handlebar setup.
func BicycleFor(rider string) (string, error) {
	switch rider {
	case "Charlie", "Luke":
		return "Rigidcl", nil
	case "Jason":
		return "Rigid", nil
	default:
		return "", fmt.Errorf("there are no bicycle parameters for rider %s", rider)
	}
}

// FileProvider loads parameter sets from JSON files named
// <bicycle><rider>Benchmark.json under Dir.
type FileProvider struct {
	Dir string
}

// Parameters implements Provider.
func (fp FileProvider) Parameters(rider, bicycle string) (ParameterSet, error) {
	path := filepath.Join(fp.Dir, fmt.Sprintf("%s%sBenchmark.json", bicycle, rider))
	if err := security.ValidatePathWithinDirectory(path, fp.Dir); err != nil {
		return nil, fmt.Errorf("loading parameters for %s on %s: %w", rider, bicycle, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading parameters for %s on %s: %w", rider, bicycle, err)
	}
	var p ParameterSet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return p, nil
}

// MooreParams is the steer-frame parameterization of the bicycle geometry
// and the rear-assembly inertia, derived from the benchmark parameter set.
type MooreParams struct {
	Rr, Rf         float64 // wheel radii
	D1, D2, D3     float64 // frame offsets along and across the steer axis
	L1, L2, L3, L4 float64 // mass center offsets
	Mc, Md, Me, Mf float64 // rear frame, rear wheel, front frame, front wheel
	Ic11, Ic22     float64
	Ic33, Ic31     float64
}

// BenchmarkToMoore converts benchmark parameters (wheelbase, trail, steer
// axis tilt, mass center coordinates, inertia about ground-aligned axes)
// into the steer-frame form the kinematic relations use.
func BenchmarkToMoore(p ParameterSet) (MooreParams, error) {
	v, err := p.Require("w", "c", "lam", "rR", "rF",
		"mB", "mR", "mH", "mF",
		"xB", "zB", "xH", "zH",
		"IBxx", "IByy", "IBzz", "IBxz")
	if err != nil {
		return MooreParams{}, err
	}
	w, c, lam, rR, rF := v[0], v[1], v[2], v[3], v[4]
	mB, mR, mH, mF := v[5], v[6], v[7], v[8]
	xB, zB, xH, zH := v[9], v[10], v[11], v[12]
	ibxx, ibyy, ibzz, ibxz := v[13], v[14], v[15], v[16]

	cl, sl := math.Cos(lam), math.Sin(lam)

	mp := MooreParams{Rr: rR, Rf: rF, Mc: mB, Md: mR, Me: mH, Mf: mF}

	mp.D1 = cl * (c + w - rR*math.Tan(lam))
	mp.D3 = -cl * (c - rF*math.Tan(lam))
	mp.D2 = (rR + mp.D1*sl - rF + mp.D3*sl) / cl

	mp.L1 = xB*cl - zB*sl - rR*sl
	mp.L2 = xB*sl + zB*cl + rR*cl
	mp.L4 = (zH+rF)*cl + (xH-w)*sl
	mp.L3 = (xH - w - mp.L4*sl) / cl

	// rear assembly inertia rotated into the steer frame
	mp.Ic11 = ibxx*cl*cl - 2*ibxz*sl*cl + ibzz*sl*sl
	mp.Ic22 = ibyy
	mp.Ic33 = ibxx*sl*sl + 2*ibxz*sl*cl + ibzz*cl*cl
	mp.Ic31 = (ibxx-ibzz)*sl*cl + ibxz*(cl*cl-sl*sl)
	return mp, nil
}

// WheelbaseTrail recovers the ground-plane wheelbase and mechanical trail
// from the steer-frame offsets.
func (mp MooreParams) WheelbaseTrail(lam float64) (wheelbase, trail float64) {
	trail = mp.Rf*math.Tan(lam) - mp.D3/math.Cos(lam)
	wheelbase = mp.D1/math.Cos(lam) - trail + mp.Rr*math.Tan(lam)
	return wheelbase, trail
}
