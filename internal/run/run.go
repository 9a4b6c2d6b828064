// Package run sequences the processing of one trial: load the raw
// channels, calibrate them, synchronize the two acquisition clocks,
// truncate onto a common time base, derive the computed quantities and
// extract the task interval, caching the result in the store.
package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bikedaq/bikedaq/internal/bicycle"
	"github.com/bikedaq/bikedaq/internal/calibration"
	"github.com/bikedaq/bikedaq/internal/db"
	"github.com/bikedaq/bikedaq/internal/monitoring"
	"github.com/bikedaq/bikedaq/internal/pipeline"
	"github.com/bikedaq/bikedaq/internal/signal"
	"github.com/bikedaq/bikedaq/internal/timesync"
)

// State is how far a trial has been processed.
type State int

const (
	RawLoaded State = iota
	Calibrated
	TimeSynced
	Truncated
	Computed
	TaskExtracted
	Filtered
)

var stateNames = map[State]string{
	RawLoaded:     "raw loaded",
	Calibrated:    "calibrated",
	TimeSynced:    "time synced",
	Truncated:     "truncated",
	Computed:      "computed",
	TaskExtracted: "task extracted",
	Filtered:      "filtered",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// calibrationManeuvers end processing after calibration; they carry no
// riding task to synchronize or derive anything from.
var calibrationManeuvers = map[string]bool{
	"Static Calibration":  true,
	"Steer Dynamics Test": true,
	"System Test":         true,
}

// pavilionStraightManeuvers get their trailing samples clipped, since the
// rider brakes once the pavilion straight runs out.
var pavilionStraightManeuvers = map[string]bool{
	"Balance":                              true,
	"Balance With Disturbance":             true,
	"Track Straight Line":                  true,
	"Track Straight Line With Disturbance": true,
}

// Channel names with fixed roles in synchronization and task extraction.
const (
	daqAccelChannel = "VerticalAccelerometer"
	imuAccelChannel = "AccelerationZ"

	// taskBumpCutoff denoises the accelerometer before the task-extraction
	// bump search.
	taskBumpCutoff = 30.0
)

// Store is the slice of the database the processor needs.
type Store interface {
	Run(runID string) (db.Run, error)
	Channels() (map[string]db.Channel, error)
	RawSignals(runID string) ([]db.Array, error)
	Calibrations() ([]calibration.Record, error)
	Task(runID string) (db.TaskMeta, []db.Array, bool, error)
	PutTask(meta db.TaskMeta, arrays []db.Array) error
}

// Options tune one processing session.
type Options struct {
	// FilterFrequency is the low-pass cutoff applied to the task signals
	// in hertz; zero leaves them unfiltered.
	FilterFrequency float64

	// ForceRecompute ignores any cached task result.
	ForceRecompute bool

	BumpLength        float64
	PavilionLength    float64
	MaxTimeShiftError float64
}

// Trial is the in-flight processing state of one run.
type Trial struct {
	Meta  db.Run
	State State

	Raw        pipeline.SignalSet
	Calibrated pipeline.SignalSet
	Truncated  pipeline.SignalSet
	Computed   pipeline.SignalSet
	Task       pipeline.SignalSet

	Tau       float64
	Sync      timesync.Result
	FromCache bool
}

// Processor drives trials through the state machine. One processor serves
// one processing session; every task it writes back carries the same
// session id.
type Processor struct {
	store    Store
	provider bicycle.Provider
	opts     Options
	session  uuid.UUID
}

func NewProcessor(store Store, provider bicycle.Provider, opts Options) *Processor {
	if opts.BumpLength == 0 {
		opts.BumpLength = 1.0
	}
	if opts.PavilionLength == 0 {
		opts.PavilionLength = 32.0
	}
	if opts.MaxTimeShiftError == 0 {
		opts.MaxTimeShiftError = 0.2
	}
	return &Processor{
		store:    store,
		provider: provider,
		opts:     opts,
		session:  uuid.New(),
	}
}

// Session returns the processing session id.
func (p *Processor) Session() uuid.UUID { return p.session }

// Process runs one trial through every applicable state.
func (p *Processor) Process(runID string) (*Trial, error) {
	t := &Trial{}

	meta, err := p.store.Run(runID)
	if err != nil {
		return nil, err
	}
	t.Meta = meta

	if !p.opts.ForceRecompute {
		if ok, err := p.loadCached(t); err != nil {
			return nil, err
		} else if ok {
			return t, nil
		}
	}

	if err := p.loadRaw(t); err != nil {
		return nil, err
	}
	if err := p.calibrate(t); err != nil {
		return nil, err
	}
	if calibrationManeuvers[meta.Maneuver] {
		monitoring.Logf("run %s: %s is a calibration maneuver, stopping after calibration", runID, meta.Maneuver)
		return t, nil
	}

	params, err := p.parameters(meta)
	if err != nil {
		return nil, err
	}

	if err := p.synchronize(t); err != nil {
		return nil, err
	}
	if err := p.truncate(t); err != nil {
		return nil, err
	}

	t.Computed = pipeline.Computed(params, t.Truncated)
	t.State = Computed

	if err := p.extractTask(t, params); err != nil {
		return nil, err
	}
	t.Task = pipeline.Task(params, t.Task)

	if p.opts.FilterFrequency > 0 {
		p.filterTask(t)
	}

	if err := p.writeTask(t); err != nil {
		monitoring.Logf("run %s: caching task result failed: %v", runID, err)
	}
	return t, nil
}

// loadCached restores a previously computed task set when its stored
// filter frequency matches the requested one exactly (both unset counts
// as a match).
func (p *Processor) loadCached(t *Trial) (bool, error) {
	meta, arrays, ok, err := p.store.Task(t.Meta.ID)
	if err != nil || !ok {
		return false, err
	}
	switch {
	case meta.FilterFrequency == nil && p.opts.FilterFrequency == 0:
	case meta.FilterFrequency != nil && *meta.FilterFrequency == p.opts.FilterFrequency:
	default:
		monitoring.Logf("run %s: cached filter frequency does not match, recomputing", t.Meta.ID)
		return false, nil
	}

	t.Task = make(pipeline.SignalSet, len(arrays))
	for _, a := range arrays {
		t.Task[a.Name] = signal.FromSamples(a.Samples, signal.Meta{
			Name:       a.Name,
			RunID:      t.Meta.ID,
			SampleRate: a.SampleRate,
			Source:     signal.SourceNone,
			Units:      a.Units,
		})
	}
	t.Tau = meta.Tau
	t.FromCache = true
	t.State = TaskExtracted
	if meta.FilterFrequency != nil {
		t.State = Filtered
	}
	monitoring.Logf("run %s: loaded %d task signals from cache", t.Meta.ID, len(arrays))
	return true, nil
}

func (p *Processor) loadRaw(t *Trial) error {
	channels, err := p.store.Channels()
	if err != nil {
		return err
	}
	arrays, err := p.store.RawSignals(t.Meta.ID)
	if err != nil {
		return err
	}
	if len(arrays) == 0 {
		return fmt.Errorf("run %s has no raw signals", t.Meta.ID)
	}

	t.Raw = make(pipeline.SignalSet, len(arrays))
	for _, a := range arrays {
		ch, ok := channels[a.Name]
		if !ok {
			monitoring.Logf("run %s: channel %s has no metadata, skipping", t.Meta.ID, a.Name)
			continue
		}
		t.Raw[a.Name] = signal.FromSamples(a.Samples, signal.Meta{
			Name:       a.Name,
			RunID:      t.Meta.ID,
			SampleRate: a.SampleRate,
			Source:     signal.Source(ch.Source),
			Units:      ch.Units,
		})
	}
	t.State = RawLoaded
	return nil
}

// calibrate scales every raw channel that has an active calibration
// record. Channels without one pass through untouched; a channel whose
// calibration fails is dropped with a warning so the rest of the run
// survives.
func (p *Processor) calibrate(t *Trial) error {
	records, err := p.store.Calibrations()
	if err != nil {
		return err
	}
	calStore := calibration.NewStore(records)

	t.Calibrated = make(pipeline.SignalSet, len(t.Raw))
	for name, raw := range t.Raw {
		if !calStore.Has(name) {
			t.Calibrated[name] = raw
			continue
		}
		rec, err := calStore.ActiveRecord(name, t.Meta.RunTime)
		if err != nil {
			var noCal *calibration.NoCalibrationError
			if errors.As(err, &noCal) {
				monitoring.Logf("run %s: %v, dropping channel", t.Meta.ID, err)
				continue
			}
			return err
		}
		scaled, err := calibration.Scale(raw, rec, p.supply(t, rec))
		if err != nil {
			return fmt.Errorf("run %s: scaling %s: %w", t.Meta.ID, name, err)
		}
		t.Calibrated[scaled.Name] = scaled
	}
	t.State = Calibrated
	return nil
}

// supply resolves the supply voltage for a calibration record: the live
// supply channel when the run recorded one, the stored constant otherwise.
func (p *Processor) supply(t *Trial, rec calibration.Record) calibration.Supply {
	if rec.RunSupplySource != "" {
		if src, ok := t.Raw[rec.RunSupplySource]; ok {
			return calibration.Supply{Series: src.Samples()}
		}
		monitoring.Logf("run %s: supply channel %s missing, using stored voltage", t.Meta.ID, rec.RunSupplySource)
	}
	return calibration.Supply{Fixed: rec.RunSupplyVoltage}
}

func (p *Processor) parameters(meta db.Run) (pipeline.Params, error) {
	bikeName := meta.Bicycle
	if bikeName == "" {
		var err error
		if bikeName, err = bicycle.BicycleFor(meta.Rider); err != nil {
			return pipeline.Params{}, err
		}
	}
	set, err := p.provider.Parameters(meta.Rider, bikeName)
	if err != nil {
		return pipeline.Params{}, err
	}
	lam, ok := set.Get("lam")
	if !ok {
		return pipeline.Params{}, fmt.Errorf("parameters for %s on %s lack the steer axis tilt", meta.Rider, bikeName)
	}
	moore, err := bicycle.BenchmarkToMoore(set)
	if err != nil {
		return pipeline.Params{}, err
	}
	handlebar, err := bicycle.NewHandlebarParams(set)
	if err != nil {
		return pipeline.Params{}, err
	}
	return pipeline.Params{Lam: lam, Moore: moore, Handlebar: handlebar}, nil
}

func (p *Processor) nominalSpeed(t *Trial) float64 {
	if t.Meta.Speed > 0 {
		return t.Meta.Speed
	}
	// a nominal pace for runs logged without one
	return 4.0
}

func (p *Processor) synchronize(t *Trial) error {
	daqAcc, ok := t.Calibrated[daqAccelChannel]
	if !ok {
		return fmt.Errorf("run %s: missing %s for synchronization", t.Meta.ID, daqAccelChannel)
	}
	imuAcc, ok := t.Calibrated[imuAccelChannel]
	if !ok {
		return fmt.Errorf("run %s: missing %s for synchronization", t.Meta.ID, imuAccelChannel)
	}

	res, err := timesync.FindTimeshift(daqAcc, imuAcc, imuAcc.SampleRate, p.nominalSpeed(t))
	if err != nil {
		return fmt.Errorf("run %s: %w", t.Meta.ID, err)
	}
	nrms, err := timesync.CheckTimeShift(daqAcc, imuAcc, res.Tau, p.opts.MaxTimeShiftError)
	if err != nil {
		return fmt.Errorf("run %s: %w", t.Meta.ID, err)
	}
	monitoring.Logf("run %s: tau %.4fs, alignment residual %.4f", t.Meta.ID, res.Tau, nrms)

	t.Sync = res
	t.Tau = res.Tau
	t.State = TimeSynced
	return nil
}

// truncate shifts every calibrated channel onto the common time base and
// spline-fills the NaN runs that dropped IMU frames leave behind, so they
// cannot poison the derived quantities downstream.
func (p *Processor) truncate(t *Trial) error {
	t.Truncated = make(pipeline.SignalSet, len(t.Calibrated))
	for name, s := range t.Calibrated {
		trunc, err := s.Truncate(t.Tau)
		if err != nil {
			return fmt.Errorf("run %s: truncating %s: %w", t.Meta.ID, name, err)
		}
		filled, err := trunc.Spline()
		if err != nil {
			monitoring.Logf("run %s: spline fill of %s failed, keeping the gaps: %v", t.Meta.ID, name, err)
			filled = trunc
		}
		t.Truncated[name] = filled
	}
	t.State = Truncated
	return nil
}

// extractTask clips the computed set down to the task interval: everything
// after the synchronization bump, minus the trailing braking portion on
// pavilion straight-line runs. The bump is searched for on the negated,
// denoised DAQ accelerometer, which carries no dropped frames.
func (p *Processor) extractTask(t *Trial, params pipeline.Params) error {
	acc, ok := t.Computed[daqAccelChannel]
	if !ok {
		return fmt.Errorf("run %s: missing %s for task extraction", t.Meta.ID, daqAccelChannel)
	}
	mean, _ := pipeline.MeanSpeed(t.Computed)
	speed := p.nominalSpeed(t)
	if mean > 0 {
		speed = mean
	}
	wheelbase, _ := params.Moore.WheelbaseTrail(params.Lam)
	denoised := signal.Butterworth(acc.Neg().Samples(), taskBumpCutoff, acc.SampleRate)
	bump := timesync.FindBump(denoised, acc.SampleRate, speed, wheelbase, p.opts.BumpLength)

	start, stop := bump.Stop, acc.Len()
	if pavilionStraightManeuvers[t.Meta.Maneuver] && t.Meta.Environment == "Pavilion Floor" && mean > 0 {
		track := p.opts.PavilionLength - wheelbase - p.opts.BumpLength
		if end := start + int(track/mean*acc.SampleRate); end < stop {
			stop = end
		}
	}
	if start >= stop {
		return fmt.Errorf("run %s: no samples remain after the bump", t.Meta.ID)
	}

	t.Task = make(pipeline.SignalSet, len(t.Computed))
	for name, s := range t.Computed {
		t.Task[name] = s.Slice(start, stop)
	}
	t.State = TaskExtracted
	return nil
}

func (p *Processor) filterTask(t *Trial) {
	for name, s := range t.Task {
		filtered, err := s.Filter(p.opts.FilterFrequency)
		if err != nil {
			monitoring.Logf("run %s: filtering %s: %v", t.Meta.ID, name, err)
			continue
		}
		t.Task[name] = filtered
	}
	t.State = Filtered
}

func (p *Processor) writeTask(t *Trial) error {
	mean, std := pipeline.MeanSpeed(t.Task)
	meta := db.TaskMeta{
		RunID:      t.Meta.ID,
		SessionID:  p.session.String(),
		MeanSpeed:  mean,
		StdSpeed:   std,
		Tau:        t.Tau,
		ComputedAt: time.Now().UTC(),
	}
	if p.opts.FilterFrequency > 0 {
		freq := p.opts.FilterFrequency
		meta.FilterFrequency = &freq
	}

	arrays := make([]db.Array, 0, len(t.Task))
	for name, s := range t.Task {
		if meta.Duration == 0 {
			meta.Duration = s.Duration()
		}
		arrays = append(arrays, db.Array{
			Name:       name,
			SampleRate: s.SampleRate,
			Units:      s.Units,
			Samples:    s.Samples(),
		})
	}
	return p.store.PutTask(meta, arrays)
}
