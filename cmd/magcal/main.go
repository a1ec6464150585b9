// Command magcal fits hard- and soft-iron calibration parameters to a set
// of magnetometer measurements, taken either from a CSV file or from a
// capture session in the calibration database.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/google/uuid"

	"github.com/sensorkit/magcal/internal/calibration"
	"github.com/sensorkit/magcal/internal/calstore"
	"github.com/sensorkit/magcal/internal/config"
	"github.com/sensorkit/magcal/internal/geomag"
	"github.com/sensorkit/magcal/internal/report"
	"github.com/sensorkit/magcal/internal/units"
	"github.com/sensorkit/magcal/internal/version"
)

var (
	configPath = flag.String("config", "", "tuning JSON file (falls back to "+config.DefaultConfigPath+" when present)")
	inputPath  = flag.String("input", "", "CSV file with measurements; see -help-input for the layout")
	dbPath     = flag.String("db", "", "calibration database path")
	sessionArg = flag.String("session", "", "session ID or name in the database")
	reportPath = flag.String("report", "", "write an HTML residual report to this path")
	saveFlag   = flag.Bool("save", false, "persist the result to the database session")
)

func main() {
	flag.Parse()
	log.Printf("magcal %s", version.String())

	tuning := loadTuning(*configPath)
	calCfg := tuning.CalibrationConfig()
	displayUnits := tuning.GetUnits()

	var store *calstore.Store
	var sessionID uuid.UUID
	var measurements []calibration.Measurement
	var err error

	switch {
	case *inputPath != "":
		measurements, err = readMeasurementsCSV(*inputPath, displayUnits)
		if err != nil {
			log.Fatalf("Failed to load measurements: %v", err)
		}
	case *dbPath != "" && *sessionArg != "":
		store, err = calstore.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer store.Close()

		sessionID, err = resolveSession(store, *sessionArg)
		if err != nil {
			log.Fatalf("Failed to resolve session: %v", err)
		}
		measurements, err = store.Measurements(sessionID)
		if err != nil {
			log.Fatalf("Failed to load measurements: %v", err)
		}
	default:
		fmt.Fprintln(os.Stderr, "Either -input or both -db and -session are required")
		flag.Usage()
		os.Exit(1)
	}

	provider := geomag.DipoleProvider{}
	calibrator, err := calibration.New(calCfg, provider, calibration.Listener{
		Progress: func(fraction float64) {
			log.Printf("Sampling progress: %.0f%%", fraction*100)
		},
	})
	if err != nil {
		log.Fatalf("Invalid calibration configuration: %v", err)
	}
	if err := calibrator.SetMeasurements(measurements); err != nil {
		log.Fatalf("Failed to set measurements: %v", err)
	}

	result, err := calibrator.Calibrate()
	if err != nil {
		log.Fatalf("Calibration failed: %v", err)
	}
	printResult(result, len(measurements), displayUnits)

	if *saveFlag {
		if store == nil {
			log.Fatal("-save needs -db and -session")
		}
		if err := store.SaveResult(sessionID, len(measurements), result); err != nil {
			log.Fatalf("Failed to save result: %v", err)
		}
		log.Printf("Result %s saved to session %s", result.RunID, sessionID)
	}

	if *reportPath != "" {
		if err := writeReport(*reportPath, result, calCfg, measurements, provider, displayUnits); err != nil {
			log.Fatalf("Failed to write report: %v", err)
		}
		log.Printf("Report written to %s", *reportPath)
	}
}

// loadTuning loads the tuning file at path, trying the canonical defaults
// file when no path is given. An absent defaults file yields the built-in
// defaults.
func loadTuning(path string) *config.TuningConfig {
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			return config.EmptyTuningConfig()
		}
		path = config.DefaultConfigPath
	}
	tuning, err := config.LoadTuningConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return tuning
}

// resolveSession interprets arg as a session UUID first, then as a session
// name.
func resolveSession(store *calstore.Store, arg string) (uuid.UUID, error) {
	if id, err := uuid.Parse(arg); err == nil {
		return id, nil
	}
	sessions, err := store.Sessions()
	if err != nil {
		return uuid.Nil, err
	}
	for _, s := range sessions {
		if s.Name == arg {
			return s.ID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("no session named %q", arg)
}

func printResult(r *calibration.Result, total int, displayUnits string) {
	fmt.Printf("Run %s (%s, %s mode)\n", r.RunID, r.Method, r.Mode)
	fmt.Printf("Bias (%s):       [%+.4f  %+.4f  %+.4f]\n", displayUnits,
		units.ConvertFluxDensity(r.Bias[0], displayUnits),
		units.ConvertFluxDensity(r.Bias[1], displayUnits),
		units.ConvertFluxDensity(r.Bias[2], displayUnits))
	d := r.Distortion
	fmt.Printf("Distortion:      [%+.6f  %+.6f  %+.6f]\n", d[0], d[1], d[2])
	fmt.Printf("                 [%+.6f  %+.6f  %+.6f]\n", d[3], d[4], d[5])
	fmt.Printf("                 [%+.6f  %+.6f  %+.6f]\n", d[6], d[7], d[8])
	fmt.Printf("Chi-square:      %.6g\n", r.ChiSq)
	fmt.Printf("MSE:             %.6g\n", r.MSE)
	fmt.Printf("Fit iterations:  %d\n", r.Iterations)
	if r.Inliers != nil {
		fmt.Printf("Inliers:         %d of %d (threshold %.3g T)\n",
			r.Inliers.Count, total, r.Inliers.Threshold)
	}
	fmt.Printf("Elapsed:         %s\n", r.Finished.Sub(r.Started))
}

// writeReport renders the HTML residual report. Robust runs carry their
// residuals in the consensus set; for a plain least-squares run they are
// recomputed from the published result.
func writeReport(path string, r *calibration.Result, cfg calibration.Config,
	measurements []calibration.Measurement, provider geomag.FieldProvider, displayUnits string) error {

	var residuals []float64
	if r.Inliers != nil {
		residuals = r.Inliers.Residuals
	} else {
		var err error
		residuals, err = computeResiduals(r, cfg, measurements, provider)
		if err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return report.WriteHTML(f, report.RunReport{
		Result:    r,
		Residuals: residuals,
		Units:     displayUnits,
	})
}

// computeResiduals evaluates per-measurement absolute residuals of a
// published result: the corrected-norm error magnitude in norm mode, the
// prediction error magnitude in frame mode — the same quantities a robust
// run records in its consensus set.
func computeResiduals(r *calibration.Result, cfg calibration.Config,
	measurements []calibration.Measurement, provider geomag.FieldProvider) ([]float64, error) {

	residuals := make([]float64, len(measurements))
	switch cfg.Mode {
	case calibration.ModeNorm:
		norm := cfg.GroundTruthNorm
		if norm == 0 {
			for _, m := range measurements {
				if m.Position == nil {
					continue
				}
				ned, err := provider.Field(*m.Position, m.Time)
				if err != nil {
					return nil, err
				}
				norm = math.Sqrt(ned[0]*ned[0] + ned[1]*ned[1] + ned[2]*ned[2])
				break
			}
		}
		for i, m := range measurements {
			corrected, err := r.Correct(m.Body)
			if err != nil {
				return nil, err
			}
			n := math.Sqrt(corrected[0]*corrected[0] + corrected[1]*corrected[1] + corrected[2]*corrected[2])
			residuals[i] = math.Abs(n - norm)
		}
	case calibration.ModeFrame:
		for i, m := range measurements {
			if m.Position == nil || m.Attitude == nil {
				return nil, fmt.Errorf("measurement %d has no position or attitude", i)
			}
			ned, err := provider.Field(*m.Position, m.Time)
			if err != nil {
				return nil, err
			}
			truth := m.Attitude.NEDToBody(ned)
			d := r.Distortion
			predicted := [3]float64{
				r.Bias[0] + truth[0] + d[0]*truth[0] + d[1]*truth[1] + d[2]*truth[2],
				r.Bias[1] + truth[1] + d[3]*truth[0] + d[4]*truth[1] + d[5]*truth[2],
				r.Bias[2] + truth[2] + d[6]*truth[0] + d[7]*truth[1] + d[8]*truth[2],
			}
			dx := predicted[0] - m.Body[0]
			dy := predicted[1] - m.Body[1]
			dz := predicted[2] - m.Body[2]
			residuals[i] = math.Sqrt(dx*dx + dy*dy + dz*dz)
		}
	}
	return residuals, nil
}
