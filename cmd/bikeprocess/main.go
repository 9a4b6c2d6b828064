// bikeprocess runs one or more trials through the full processing
// pipeline: calibration, clock synchronization, truncation, derived
// quantities and task extraction, caching results in the run database.
//
//	bikeprocess -config config.json 00105 00106
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/bikedaq/bikedaq/internal/bicycle"
	"github.com/bikedaq/bikedaq/internal/config"
	"github.com/bikedaq/bikedaq/internal/db"
	"github.com/bikedaq/bikedaq/internal/run"
	"github.com/bikedaq/bikedaq/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a JSON config file")
	dbPath     = flag.String("db", "", "Run database path (overrides config)")
	paramsDir  = flag.String("params", "", "Bicycle parameter directory (overrides config)")
	filterFreq = flag.Float64("filter", -1, "Low-pass cutoff in Hz for task signals; 0 disables (overrides config)")
	force      = flag.Bool("force", false, "Recompute even when a cached task result matches")
	showVer    = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Printf("bikeprocess %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: bikeprocess [flags] <run id> ...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("loading config: %v", err)
		}
	}
	if *dbPath == "" {
		*dbPath = cfg.GetDatabasePath()
	}
	if *paramsDir == "" {
		*paramsDir = cfg.GetParametersDir()
	}
	if *filterFreq < 0 {
		*filterFreq = cfg.GetFilterFrequency()
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("opening %s: %v", *dbPath, err)
	}
	defer database.Close()
	if err := database.MigrateUp(cfg.GetMigrationsDir()); err != nil {
		log.Fatalf("migrating %s: %v", *dbPath, err)
	}

	processor := run.NewProcessor(database, bicycle.FileProvider{Dir: *paramsDir}, run.Options{
		FilterFrequency:   *filterFreq,
		ForceRecompute:    *force,
		BumpLength:        cfg.GetBumpLength(),
		PavilionLength:    cfg.GetPavilionLength(),
		MaxTimeShiftError: cfg.GetMaxTimeShiftError(),
	})
	log.Printf("processing session %s", processor.Session())

	failed := 0
	for _, runID := range flag.Args() {
		trial, err := processor.Process(runID)
		if err != nil {
			log.Printf("run %s failed: %v", runID, err)
			failed++
			continue
		}
		log.Println(trial.Meta.Summary())
		switch {
		case trial.FromCache:
			log.Printf("run %s: %d task signals from cache", runID, len(trial.Task))
		case trial.State == run.Calibrated:
			log.Printf("run %s: calibration maneuver %q, stopped after calibration", runID, trial.Meta.Maneuver)
		default:
			log.Printf("run %s: %s, tau %.4fs, %d task signals", runID, trial.State, trial.Tau, len(trial.Task))
		}
	}
	if failed > 0 {
		log.Fatalf("%d of %d runs failed", failed, flag.NArg())
	}
}
