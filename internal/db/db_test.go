package db

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bikedaq/bikedaq/internal/calibration"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.MigrateUp("migrations"))
	return db
}

func TestMigrateVersion(t *testing.T) {
	db := openTestDB(t)
	version, dirty, err := db.MigrateVersion("migrations")
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateDown("migrations"))
	version, _, err = db.MigrateVersion("migrations")
	require.NoError(t, err)
	require.Equal(t, uint(0), version)
}

func TestRunRoundTrip(t *testing.T) {
	db := openTestDB(t)
	in := Run{
		ID: "00105", Rider: "Jason", Bicycle: "Rigid",
		Maneuver: "Balance", Environment: "Pavilion Floor",
		Speed: 4.0, DAQRate: 200, IMURate: 200,
		RunTime: time.Date(2023, 5, 12, 14, 30, 0, 0, time.UTC),
		Notes:   "light crosswind",
	}
	require.NoError(t, db.InsertRun(in))

	out, err := db.Run("00105")
	require.NoError(t, err)
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.Maneuver, out.Maneuver)
	require.True(t, in.RunTime.Equal(out.RunTime))
	require.Equal(t, "00105: Jason on Rigid, Balance (Pavilion Floor, 2023-05-12 14:30)", out.Summary())

	_, err = db.Run("99999")
	require.Error(t, err)
}

func TestChannelsUpsert(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.InsertChannel(Channel{
		Name: "SteerPotentiometer", Source: "DAQ",
		Units: "volt", CalibrationKind: "interceptStar",
	}))
	require.NoError(t, db.InsertChannel(Channel{
		Name: "SteerPotentiometer", Source: "DAQ",
		Units: "volt", CalibrationKind: "intercept",
	}))

	channels, err := db.Channels()
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.Equal(t, "intercept", channels["SteerPotentiometer"].CalibrationKind)
}

func TestRawSignalsPreserveNaN(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.InsertRun(Run{ID: "00105"}))

	samples := []float64{1.5, math.NaN(), -2.25, 0}
	require.NoError(t, db.PutRawSignal("00105", "AccelerationZ", 200, samples))

	arrays, err := db.RawSignals("00105")
	require.NoError(t, err)
	require.Len(t, arrays, 1)
	got := arrays[0]
	require.Equal(t, "AccelerationZ", got.Name)
	require.Equal(t, 200.0, got.SampleRate)
	require.Len(t, got.Samples, len(samples))
	require.True(t, math.IsNaN(got.Samples[1]))
	require.Equal(t, samples[2], got.Samples[2])
}

func TestCalibrationsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	in := calibration.Record{
		ID:            "steer-2023-04",
		SensorName:    "SteerPotentiometer",
		TimeStamp:     time.Date(2023, 4, 1, 9, 0, 0, 0, time.UTC),
		Slope:         1.25, Bias: 0.1, Offset: -0.5,
		SupplyVoltage: 4.98,
		Signal:        "SteerAngle", Units: "radian",
		Kind:          calibration.KindInterceptStar,
	}
	require.NoError(t, db.InsertCalibration(in))

	recs, err := db.Calibrations()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, in.Slope, recs[0].Slope)
	require.Equal(t, in.Kind, recs[0].Kind)
	require.True(t, in.TimeStamp.Equal(recs[0].TimeStamp))
}

func TestTaskCacheRoundTrip(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.InsertRun(Run{ID: "00105"}))

	_, _, ok, err := db.Task("00105")
	require.NoError(t, err)
	require.False(t, ok)

	freq := 15.0
	meta := TaskMeta{
		RunID: "00105", SessionID: "abc", Duration: 12.5,
		FilterFrequency: &freq, MeanSpeed: 4.1, StdSpeed: 0.2,
		Tau: 0.34, ComputedAt: time.Now().UTC(),
	}
	arrays := []Array{
		{Name: "ForwardSpeed", SampleRate: 200, Units: "meter/second", Samples: []float64{4.1, 4.2}},
		{Name: "SteerAngle", SampleRate: 200, Units: "radian", Samples: []float64{0.01, -0.02}},
	}
	require.NoError(t, db.PutTask(meta, arrays))

	got, gotArrays, ok, err := db.Task("00105")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.FilterFrequency)
	require.Equal(t, 15.0, *got.FilterFrequency)
	require.Equal(t, 0.34, got.Tau)
	require.Len(t, gotArrays, 2)

	// a rewrite replaces the signal set instead of accumulating
	meta.FilterFrequency = nil
	require.NoError(t, db.PutTask(meta, arrays[:1]))
	got, gotArrays, ok, err = db.Task("00105")
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, got.FilterFrequency)
	require.Len(t, gotArrays, 1)
}
