package bicycle

import "math"

// Vec3 is the fixed-size vector type the kinematic and dynamic relations
// are written in.
type Vec3 [3]float64

func cross(a, b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func add(a, b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }

func sub(a, b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func scale(s float64, a Vec3) Vec3 { return Vec3{s * a[0], s * a[1], s * a[2]} }

type Mat3 [3][3]float64

func (m Mat3) mul(v Vec3) Vec3 {
	var out Vec3
	for i := 0; i < 3; i++ {
		out[i] = m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2]
	}
	return out
}

// rotZX builds the rotation taking body-frame components into the inertial
// frame for a body yawed by psi and rolled by phi.
func rotZX(psi, phi float64) Mat3 {
	cy, sy := math.Cos(psi), math.Sin(psi)
	cr, sr := math.Cos(phi), math.Sin(phi)
	return Mat3{
		{cy, -sy * cr, sy * sr},
		{sy, cy * cr, -cy * sr},
		{0, sr, cr},
	}
}

// YawRollPitchRate maps body-fixed angular rates measured on the rolled
// frame into yaw, roll and pitch rates. The frame carries the steer axis
// tilted back by lam, so the gyro axes are rotated by lam about the lateral
// axis relative to the ground-aligned frame.
func YawRollPitchRate(wx, wy, wz, lam, roll float64) (yawRate, rollRate, pitchRate float64) {
	cl, sl := math.Cos(lam), math.Sin(lam)
	// de-tilt the angular velocity into the ground-aligned body frame
	bx := wx*cl + wz*sl
	bz := -wx*sl + wz*cl
	by := wy

	cr, sr := math.Cos(roll), math.Sin(roll)
	rollRate = bx
	if cr != 0 {
		yawRate = bz / cr
	}
	pitchRate = by - yawRate*sr
	return yawRate, rollRate, pitchRate
}

// FrontWheelYawAngle returns the heading of the front wheel ground line for
// a frame at yaw psi, roll phi and steer delta, with steer axis tilt lam.
func FrontWheelYawAngle(psi, phi, delta, lam float64) float64 {
	return psi + math.Atan2(math.Cos(lam)*math.Sin(delta), math.Cos(delta)*math.Cos(phi))
}

// RearContactRate gives the longitudinal and lateral velocity of the rear
// contact point for a wheel spinning at rate u5 under heading psi.
func RearContactRate(rr, u5, psi float64) (lonRate, latRate float64) {
	speed := -rr * u5
	return speed * math.Cos(psi), speed * math.Sin(psi)
}

// FrontContact locates the front wheel contact point from the rear contact
// (q9lon, q10lat), the frame heading and the front wheel heading.
func FrontContact(lonRear, latRear, psi, psiFront, wheelbase, trail float64) (lon, lat float64) {
	b := wheelbase - trail
	lon = lonRear + b*math.Cos(psi) + trail*math.Cos(psiFront)
	lat = latRear + b*math.Sin(psi) + trail*math.Sin(psiFront)
	return lon, lat
}

// FrontWheelRate returns the front wheel angular rate that rolls without
// slip over a contact point moving at (lonRate, latRate).
func FrontWheelRate(psiFront, lonRate, latRate, rf float64) float64 {
	return -(lonRate*math.Cos(psiFront) + latRate*math.Sin(psiFront)) / rf
}

// ContactAccelInput carries one sample of the measured frame motion needed
// to propagate accelerations down to the wheel contact points.
type ContactAccelInput struct {
	Ax, Ay, Az       float64 // accelerometer specific force, body frame
	Yaw, Roll        float64
	YawRate          float64
	RollRate         float64
	PitchRate        float64
	YawAccel         float64
	RollAccel        float64
	PitchAccel       float64
	S1, S3           float64 // accelerometer position relative to the rear wheel center
	Wheelbase        float64
	RearWheelRadius  float64
	FrontWheelRadius float64
}

const gravity = 9.81

// ContactPointsAcceleration transfers the measured frame acceleration to
// the rear and front contact points in the inertial frame using rigid body
// kinematics, and removes gravity from the vertical channels.
func ContactPointsAcceleration(in ContactAccelInput) (rearLon, rearLat, rearVert, frontLon, frontLat, frontVert float64) {
	omega := Vec3{in.RollRate, in.PitchRate, in.YawRate}
	alpha := Vec3{in.RollAccel, in.PitchAccel, in.YawAccel}
	aMeas := Vec3{in.Ax, in.Ay, in.Az}

	// lever arm from the rear contact to the accelerometer, body frame
	r := Vec3{in.S1, 0, in.S3 - in.RearWheelRadius}
	aRearBody := sub(sub(aMeas, cross(alpha, r)), cross(omega, cross(omega, r)))

	rot := rotZX(in.Yaw, in.Roll)
	aRear := rot.mul(aRearBody)
	aRear[2] += gravity

	omegaIn := rot.mul(omega)
	alphaIn := rot.mul(alpha)
	rw := Vec3{in.Wheelbase * math.Cos(in.Yaw), in.Wheelbase * math.Sin(in.Yaw), 0}
	aFront := add(aRear, add(cross(alphaIn, rw), cross(omegaIn, cross(omegaIn, rw))))

	return aRear[0], aRear[1], aRear[2], aFront[0], aFront[1], aFront[2]
}
