// Package db is the sqlite-backed store for runs, raw channel arrays,
// calibration records and cached task results.
package db

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bikedaq/bikedaq/internal/calibration"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the sqlite database at path. Run
// MigrateUp before first use.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	return &DB{db}, nil
}

// Run is the descriptive metadata of one trial.
type Run struct {
	ID          string
	Rider       string
	Bicycle     string
	Maneuver    string
	Environment string
	Speed       float64 // nominal, meters per second
	DAQRate     float64
	IMURate     float64
	RunTime     time.Time
	Notes       string
}

// Summary is a one-line description of a run for logs and CLI output.
func (r Run) Summary() string {
	return fmt.Sprintf("%s: %s on %s, %s (%s, %s)",
		r.ID, r.Rider, r.Bicycle, r.Maneuver, r.Environment,
		r.RunTime.Format("2006-01-02 15:04"))
}

// Channel describes a raw channel: which box recorded it, its raw units
// and how it is calibrated.
type Channel struct {
	Name            string
	Source          string
	Units           string
	CalibrationKind string
}

// TaskMeta is the scalar summary stored with a cached task result. A nil
// FilterFrequency means the task signals were not low-pass filtered.
type TaskMeta struct {
	RunID           string
	SessionID       string
	Duration        float64
	FilterFrequency *float64
	MeanSpeed       float64
	StdSpeed        float64
	Tau             float64
	ComputedAt      time.Time
}

// Array is a stored sample array with the metadata needed to rebuild a
// signal from it.
type Array struct {
	Name       string
	SampleRate float64
	Units      string
	Samples    []float64
}

func (db *DB) InsertRun(r Run) error {
	_, err := db.Exec(`
		INSERT INTO runs (run_id, rider, bicycle, maneuver, environment,
			speed, daq_rate, imu_rate, run_time, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Rider, r.Bicycle, r.Maneuver, r.Environment,
		r.Speed, r.DAQRate, r.IMURate, r.RunTime, r.Notes)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", r.ID, err)
	}
	return nil
}

func (db *DB) Run(runID string) (Run, error) {
	var r Run
	err := db.QueryRow(`
		SELECT run_id, rider, bicycle, maneuver, environment,
			speed, daq_rate, imu_rate, run_time, notes
		FROM runs WHERE run_id = ?`, runID).Scan(
		&r.ID, &r.Rider, &r.Bicycle, &r.Maneuver, &r.Environment,
		&r.Speed, &r.DAQRate, &r.IMURate, &r.RunTime, &r.Notes)
	if err != nil {
		return Run{}, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return r, nil
}

func (db *DB) InsertChannel(c Channel) error {
	_, err := db.Exec(`
		INSERT INTO channels (name, source, units, calibration_kind)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			source = excluded.source,
			units = excluded.units,
			calibration_kind = excluded.calibration_kind`,
		c.Name, c.Source, c.Units, c.CalibrationKind)
	if err != nil {
		return fmt.Errorf("inserting channel %s: %w", c.Name, err)
	}
	return nil
}

func (db *DB) Channels() (map[string]Channel, error) {
	rows, err := db.Query(`SELECT name, source, units, calibration_kind FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("loading channels: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Channel)
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.Name, &c.Source, &c.Units, &c.CalibrationKind); err != nil {
			return nil, err
		}
		out[c.Name] = c
	}
	return out, rows.Err()
}

func (db *DB) PutRawSignal(runID, name string, sampleRate float64, samples []float64) error {
	_, err := db.Exec(`
		INSERT INTO raw_samples (run_id, name, sample_rate, samples)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, name) DO UPDATE SET
			sample_rate = excluded.sample_rate,
			samples = excluded.samples`,
		runID, name, sampleRate, encodeSamples(samples))
	if err != nil {
		return fmt.Errorf("storing raw signal %s for run %s: %w", name, runID, err)
	}
	return nil
}

func (db *DB) RawSignals(runID string) ([]Array, error) {
	rows, err := db.Query(`
		SELECT name, sample_rate, samples FROM raw_samples WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading raw signals for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Array
	for rows.Next() {
		var a Array
		var blob []byte
		if err := rows.Scan(&a.Name, &a.SampleRate, &blob); err != nil {
			return nil, err
		}
		a.Samples = decodeSamples(blob)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DB) InsertCalibration(rec calibration.Record) error {
	_, err := db.Exec(`
		INSERT INTO calibrations (calibration_id, sensor_name, calibrated_at,
			slope, bias, offset, supply_voltage,
			run_supply_voltage, run_supply_source, signal, units, kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SensorName, rec.TimeStamp,
		rec.Slope, rec.Bias, rec.Offset, rec.SupplyVoltage,
		rec.RunSupplyVoltage, rec.RunSupplySource, rec.Signal, rec.Units, string(rec.Kind))
	if err != nil {
		return fmt.Errorf("inserting calibration %s: %w", rec.ID, err)
	}
	return nil
}

func (db *DB) Calibrations() ([]calibration.Record, error) {
	rows, err := db.Query(`
		SELECT calibration_id, sensor_name, calibrated_at,
			slope, bias, offset, supply_voltage,
			run_supply_voltage, run_supply_source, signal, units, kind
		FROM calibrations`)
	if err != nil {
		return nil, fmt.Errorf("loading calibrations: %w", err)
	}
	defer rows.Close()

	var out []calibration.Record
	for rows.Next() {
		var rec calibration.Record
		var kind string
		if err := rows.Scan(&rec.ID, &rec.SensorName, &rec.TimeStamp,
			&rec.Slope, &rec.Bias, &rec.Offset, &rec.SupplyVoltage,
			&rec.RunSupplyVoltage, &rec.RunSupplySource,
			&rec.Signal, &rec.Units, &kind); err != nil {
			return nil, err
		}
		rec.Kind = calibration.EquationKind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutTask replaces the cached task result of a run: the scalar summary and
// every task signal array, in one transaction.
func (db *DB) PutTask(meta TaskMeta, arrays []Array) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var freq sql.NullFloat64
	if meta.FilterFrequency != nil {
		freq = sql.NullFloat64{Float64: *meta.FilterFrequency, Valid: true}
	}
	_, err = tx.Exec(`
		INSERT INTO task_runs (run_id, session_id, duration, filter_frequency,
			mean_speed, std_speed, tau, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			session_id = excluded.session_id,
			duration = excluded.duration,
			filter_frequency = excluded.filter_frequency,
			mean_speed = excluded.mean_speed,
			std_speed = excluded.std_speed,
			tau = excluded.tau,
			computed_at = excluded.computed_at`,
		meta.RunID, meta.SessionID, meta.Duration, freq,
		meta.MeanSpeed, meta.StdSpeed, meta.Tau, meta.ComputedAt)
	if err != nil {
		return fmt.Errorf("storing task metadata for run %s: %w", meta.RunID, err)
	}

	if _, err := tx.Exec(`DELETE FROM task_samples WHERE run_id = ?`, meta.RunID); err != nil {
		return fmt.Errorf("clearing task signals for run %s: %w", meta.RunID, err)
	}
	for _, a := range arrays {
		_, err := tx.Exec(`
			INSERT INTO task_samples (run_id, name, sample_rate, units, samples)
			VALUES (?, ?, ?, ?, ?)`,
			meta.RunID, a.Name, a.SampleRate, a.Units, encodeSamples(a.Samples))
		if err != nil {
			return fmt.Errorf("storing task signal %s for run %s: %w", a.Name, meta.RunID, err)
		}
	}
	return tx.Commit()
}

// Task loads a cached task result. The bool reports whether one exists.
func (db *DB) Task(runID string) (TaskMeta, []Array, bool, error) {
	var meta TaskMeta
	var freq sql.NullFloat64
	err := db.QueryRow(`
		SELECT run_id, session_id, duration, filter_frequency,
			mean_speed, std_speed, tau, computed_at
		FROM task_runs WHERE run_id = ?`, runID).Scan(
		&meta.RunID, &meta.SessionID, &meta.Duration, &freq,
		&meta.MeanSpeed, &meta.StdSpeed, &meta.Tau, &meta.ComputedAt)
	if err == sql.ErrNoRows {
		return TaskMeta{}, nil, false, nil
	}
	if err != nil {
		return TaskMeta{}, nil, false, fmt.Errorf("loading task metadata for run %s: %w", runID, err)
	}
	if freq.Valid {
		meta.FilterFrequency = &freq.Float64
	}

	rows, err := db.Query(`
		SELECT name, sample_rate, units, samples FROM task_samples WHERE run_id = ?`, runID)
	if err != nil {
		return TaskMeta{}, nil, false, fmt.Errorf("loading task signals for run %s: %w", runID, err)
	}
	defer rows.Close()

	var arrays []Array
	for rows.Next() {
		var a Array
		var blob []byte
		if err := rows.Scan(&a.Name, &a.SampleRate, &a.Units, &blob); err != nil {
			return TaskMeta{}, nil, false, err
		}
		a.Samples = decodeSamples(blob)
		arrays = append(arrays, a)
	}
	if err := rows.Err(); err != nil {
		return TaskMeta{}, nil, false, err
	}
	return meta, arrays, true, nil
}

// Sample arrays are stored as little-endian float64 blobs. NaN gaps from
// dropped frames survive the round trip.

func encodeSamples(samples []float64) []byte {
	buf := make([]byte, 8*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeSamples(buf []byte) []float64 {
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return out
}
