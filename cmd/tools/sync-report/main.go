// sync-report renders the time synchronization diagnostics of one run as
// an HTML chart: the grid-search error landscape over candidate tau values
// with the chosen shift marked. Useful when a run fails its alignment
// check and the bump detection needs a human eye.
//
//	sync-report -db data/runs.db -run 00105 -out sync-00105.html
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/bikedaq/bikedaq/internal/db"
	"github.com/bikedaq/bikedaq/internal/security"
	"github.com/bikedaq/bikedaq/internal/signal"
	"github.com/bikedaq/bikedaq/internal/timesync"
)

var (
	dbPath  = flag.String("db", "data/runs.db", "Run database path")
	runID   = flag.String("run", "", "Run id to diagnose")
	outPath = flag.String("out", "", "Output HTML path (default sync-<run>.html)")
	daqName = flag.String("daq", "VerticalAccelerometer", "DAQ vertical acceleration channel")
	imuName = flag.String("imu", "AccelerationZ", "IMU vertical acceleration channel")
	speed   = flag.Float64("speed", 4.0, "Approximate travel speed over the bump in m/s")
)

func main() {
	flag.Parse()
	if *runID == "" {
		fmt.Fprintln(os.Stderr, "usage: sync-report -run <run id> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if *outPath == "" {
		*outPath = fmt.Sprintf("sync-%s.html", security.SanitizeFilename(*runID))
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("opening %s: %v", *dbPath, err)
	}
	defer database.Close()

	meta, err := database.Run(*runID)
	if err != nil {
		log.Fatal(err)
	}
	daqAcc, imuAcc, err := loadAccelerations(database, meta)
	if err != nil {
		log.Fatal(err)
	}

	res, err := timesync.FindTimeshift(daqAcc, imuAcc, imuAcc.SampleRate, *speed)
	if err != nil {
		log.Fatalf("run %s: %v", *runID, err)
	}
	log.Printf("run %s: tau %.4fs (grid %.4fs, bump guess %.4fs)", *runID, res.Tau, res.GridTau, res.Guess)

	if err := renderLandscape(meta, res, *outPath); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %s", *outPath)
}

func loadAccelerations(database *db.DB, meta db.Run) (daqAcc, imuAcc signal.Signal, err error) {
	arrays, err := database.RawSignals(meta.ID)
	if err != nil {
		return daqAcc, imuAcc, err
	}
	for _, a := range arrays {
		switch a.Name {
		case *daqName:
			daqAcc = signal.FromSamples(a.Samples, signal.Meta{
				Name: a.Name, RunID: meta.ID, SampleRate: a.SampleRate,
				Source: signal.SourceDAQ, Units: "meter/second/second",
			})
		case *imuName:
			imuAcc = signal.FromSamples(a.Samples, signal.Meta{
				Name: a.Name, RunID: meta.ID, SampleRate: a.SampleRate,
				Source: signal.SourceIMU, Units: "meter/second/second",
			})
		}
	}
	if daqAcc.Len() == 0 || imuAcc.Len() == 0 {
		return daqAcc, imuAcc, fmt.Errorf("run %s is missing %s or %s", meta.ID, *daqName, *imuName)
	}
	return daqAcc, imuAcc, nil
}

func renderLandscape(meta db.Run, res timesync.Result, path string) error {
	points := make([]opts.LineData, 0, len(res.TauGrid))
	for i, tau := range res.TauGrid {
		points = append(points, opts.LineData{Value: []interface{}{tau, res.ErrGrid[i]}})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: fmt.Sprintf("Sync %s", meta.ID), Width: "900px", Height: "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Time shift error landscape, run %s", meta.ID),
			Subtitle: fmt.Sprintf("rider=%s maneuver=%q tau=%.4fs", meta.Rider, meta.Maneuver, res.Tau),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "tau (s)", Type: "value"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "alignment error", Type: "value"}),
	)
	line.AddSeries("grid error", points)
	line.SetSeriesOptions(
		charts.WithMarkLineNameXAxisItemOpts(opts.MarkLineNameXAxisItem{
			Name: "chosen tau", XAxis: res.Tau,
		}),
	)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return line.Render(f)
}
