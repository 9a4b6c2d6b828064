package bicycle

import "math"

// Physical constants of the handlebar assembly above the torque sensor,
// identified experimentally for the instrumented bicycle.
const (
	// SteerColumnDamping is the viscous friction coefficient of the steer
	// column bearings in newton meter seconds per radian.
	SteerColumnDamping = 0.3475
	// SteerColumnFriction is the Coulomb friction torque of the steer
	// column bearings in newton meters.
	SteerColumnFriction = 0.0861
)

// HandlebarParams describes the handlebar assembly above the steer torque
// sensor, expressed in the steer frame with the z axis along the steer
// axis.
type HandlebarParams struct {
	Mass      float64
	Inertia   Mat3    // about the assembly mass center
	ComOffset Vec3    // steer axis point to mass center
	SensorArm Vec3    // frame accelerometer to steer axis point
	Damping   float64 // defaults to SteerColumnDamping when zero
	Friction  float64 // defaults to SteerColumnFriction when zero
}

// NewHandlebarParams builds HandlebarParams from a parameter set holding
// the identified handlebar constants.
func NewHandlebarParams(p ParameterSet) (HandlebarParams, error) {
	v, err := p.Require("mG",
		"IGxx", "IGyy", "IGzz", "IGxz",
		"xG", "zG", "ds1", "ds3")
	if err != nil {
		return HandlebarParams{}, err
	}
	return HandlebarParams{
		Mass: v[0],
		Inertia: Mat3{
			{v[1], 0, v[4]},
			{0, v[2], 0},
			{v[4], 0, v[3]},
		},
		ComOffset: Vec3{v[5], 0, v[6]},
		SensorArm: Vec3{v[7], 0, v[8]},
		Damping:   SteerColumnDamping,
		Friction:  SteerColumnFriction,
	}, nil
}

// SteerTorqueSample carries one sample of the measured motion entering the
// steer torque correction.
type SteerTorqueSample struct {
	FrameRate     Vec3    // frame angular rate, steer frame
	FrameAccel    Vec3    // frame angular acceleration
	SpecificForce Vec3    // accelerometer specific force
	ForkRate      float64 // fork angular rate about the steer axis
	ForkAccel     float64
	ColumnTorque  float64 // measured below the bearings
}

// SteerTorqueComponents splits the rider-applied steer torque into the
// measured column torque, the angular momentum rate of the handlebar, the
// moment of its mass center inertial force, and the bearing friction.
type SteerTorqueComponents struct {
	Column  float64
	HDot    float64
	Cross   float64
	Viscous float64
	Coulomb float64
}

// Rider is the torque the rider applies to the handlebar.
func (c SteerTorqueComponents) Rider() float64 {
	return c.Column + c.HDot + c.Cross - c.Viscous - c.Coulomb
}

// ComputeSteerTorque corrects a column torque sample for the dynamics of
// the handlebar mass above the sensor and the bearing friction below it.
func ComputeSteerTorque(p HandlebarParams, s SteerTorqueSample) SteerTorqueComponents {
	damping, friction := p.Damping, p.Friction
	if damping == 0 {
		damping = SteerColumnDamping
	}
	if friction == 0 {
		friction = SteerColumnFriction
	}

	// handlebar angular velocity shares the frame lateral rates but spins
	// about the steer axis at the fork rate
	omega := Vec3{s.FrameRate[0], s.FrameRate[1], s.ForkRate}
	alpha := Vec3{s.FrameAccel[0], s.FrameAccel[1], s.ForkAccel}

	h := add(p.Inertia.mul(alpha), cross(omega, p.Inertia.mul(omega)))

	// acceleration of the steer axis point from the frame accelerometer
	wf := s.FrameRate
	af := s.FrameAccel
	aAxis := add(s.SpecificForce, add(cross(af, p.SensorArm), cross(wf, cross(wf, p.SensorArm))))
	inertial := cross(p.ComOffset, scale(p.Mass, aAxis))

	return SteerTorqueComponents{
		Column:  s.ColumnTorque,
		HDot:    h[2],
		Cross:   inertial[2],
		Viscous: damping * s.ForkRate,
		Coulomb: friction * sign(s.ForkRate),
	}
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// SlipSteerTorqueSample carries one sample of the state needed for the
// tire-slip steer torque, which accounts for the angular momentum of the
// steered assembly and the lateral inertial force at its mass center.
type SlipSteerTorqueSample struct {
	Speed         float64
	Roll          float64
	Steer         float64
	YawRate       float64
	RollRate      float64
	SteerRate     float64
	YawAccel      float64
	RollAccel     float64
	SteerAccel    float64
	RearLatAccel  float64
	FrontLatAccel float64
}

// SlipSteerTorque evaluates the steer torque under lateral tire slip.
func SlipSteerTorque(mp MooreParams, s SlipSteerTorqueSample) float64 {
	hdot := mp.Ic33*(s.YawAccel+s.SteerAccel) +
		mp.Ic31*(s.RollAccel*math.Cos(s.Steer)-s.YawRate*s.RollRate*math.Sin(s.Steer))
	lat := mp.Mc * (s.FrontLatAccel + s.Speed*s.YawRate)
	gyro := (mp.Ic11 - mp.Ic33) * s.YawRate * s.RollRate * math.Cos(s.Roll)
	return hdot + mp.L1*lat - mp.L2*mp.Mc*s.RearLatAccel*math.Sin(s.Steer) + gyro
}

// ContactForces holds the ground reaction forces at the two contact points
// in the inertial frame.
type ContactForces struct {
	RearLon, RearLat   float64
	FrontLon, FrontLat float64
}

// comPosition returns the longitudinal distance of the rear assembly mass
// center from the rear contact point and the wheelbase.
func comPosition(mp MooreParams, lam float64) (x, w float64) {
	w, _ = mp.WheelbaseTrail(lam)
	x = mp.L1*math.Cos(lam) + mp.L2*math.Sin(lam)
	if x < 0 {
		x = 0
	}
	if x > w {
		x = w
	}
	return x, w
}

// ContactForcesSlip distributes the measured contact point accelerations
// into tire forces by a lateral force and yaw moment balance about the
// mass center, letting the tires slip.
func ContactForcesSlip(mp MooreParams, lam, rearLonAccel, rearLatAccel, frontLonAccel, frontLatAccel, yawAccel float64) ContactForces {
	x, w := comPosition(mp, lam)
	m := mp.Mc + mp.Md + mp.Me + mp.Mf

	ay := rearLatAccel + (frontLatAccel-rearLatAccel)*x/w
	var f ContactForces
	f.RearLat = (m*ay*(w-x) - mp.Ic33*yawAccel) / w
	f.FrontLat = (m*ay*x + mp.Ic33*yawAccel) / w
	f.RearLon = m * rearLonAccel * (w - x) / w
	f.FrontLon = m * frontLonAccel * x / w
	return f
}

// ContactForcesNonslip evaluates the tire forces under the rolling
// constraint, with the contact accelerations implied by the wheel rates
// instead of measured.
func ContactForcesNonslip(mp MooreParams, lam, rearRate, frontRate, rearRateDot, frontRateDot, yawRate, yawAccel float64) ContactForces {
	speed := -mp.Rr * rearRate
	rearLon := -mp.Rr * rearRateDot
	frontLon := -mp.Rf * frontRateDot
	lat := speed * yawRate
	return ContactForcesSlip(mp, lam, rearLon, lat, frontLon, lat, yawAccel)
}
