// Command residual-plot renders the measured and corrected field magnitudes
// of a capture session as a PNG, using the latest calibration result stored
// for that session. A flat corrected series is the visual signature of a
// good calibration.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"math"
	"os"

	"github.com/google/uuid"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/sensorkit/magcal/internal/calibration"
	"github.com/sensorkit/magcal/internal/calstore"
	"github.com/sensorkit/magcal/internal/units"
)

var (
	dbPath     = flag.String("db", "calibration.db", "calibration database path")
	sessionArg = flag.String("session", "", "session ID or name (required)")
	outPath    = flag.String("out", "residuals.png", "output PNG path")
	plotUnits  = flag.String("units", units.MicroTesla, "flux density units for the plot axes")
)

func main() {
	flag.Parse()
	if *sessionArg == "" {
		fmt.Fprintln(os.Stderr, "-session is required")
		flag.Usage()
		os.Exit(1)
	}
	if !units.IsValid(*plotUnits) {
		log.Fatalf("Invalid units %q, must be one of %s", *plotUnits, units.GetValidUnitsString())
	}

	store, err := calstore.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	sessionID, err := resolveSession(store, *sessionArg)
	if err != nil {
		log.Fatalf("Failed to resolve session: %v", err)
	}

	measurements, err := store.Measurements(sessionID)
	if err != nil {
		log.Fatalf("Failed to load measurements: %v", err)
	}
	if len(measurements) == 0 {
		log.Fatalf("Session %s has no measurements", sessionID)
	}

	stored, err := store.LatestResult(sessionID)
	if err != nil {
		log.Fatalf("Failed to load result: %v", err)
	}
	if stored == nil {
		log.Fatalf("Session %s has no calibration result", sessionID)
	}

	if err := renderPlot(*outPath, *plotUnits, measurements, stored.CalibrationResult()); err != nil {
		log.Fatalf("Failed to render plot: %v", err)
	}
	log.Printf("Plot for run %s written to %s", stored.RunID, *outPath)
}

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

func renderPlot(path, plotUnits string, measurements []calibration.Measurement, result *calibration.Result) error {
	rawPts := make(plotter.XYs, 0, len(measurements))
	correctedPts := make(plotter.XYs, 0, len(measurements))
	for i, m := range measurements {
		rawPts = append(rawPts, plotter.XY{
			X: float64(i),
			Y: units.ConvertFluxDensity(norm3(m.Body), plotUnits),
		})
		corrected, err := result.Correct(m.Body)
		if err != nil {
			return err
		}
		correctedPts = append(correctedPts, plotter.XY{
			X: float64(i),
			Y: units.ConvertFluxDensity(norm3(corrected), plotUnits),
		})
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Field magnitude before and after calibration (run %s)", result.RunID)
	p.X.Label.Text = "measurement"
	p.Y.Label.Text = fmt.Sprintf("|B| (%s)", plotUnits)

	rawScatter, err := plotter.NewScatter(rawPts)
	if err != nil {
		return err
	}
	rawScatter.GlyphStyle.Color = color.RGBA{R: 214, G: 48, B: 39, A: 255}
	rawScatter.GlyphStyle.Radius = vg.Points(2)

	correctedScatter, err := plotter.NewScatter(correctedPts)
	if err != nil {
		return err
	}
	correctedScatter.GlyphStyle.Color = color.RGBA{R: 53, G: 183, B: 121, A: 255}
	correctedScatter.GlyphStyle.Radius = vg.Points(2)

	p.Add(plotter.NewGrid(), rawScatter, correctedScatter)
	p.Legend.Add("measured", rawScatter)
	p.Legend.Add("corrected", correctedScatter)
	p.Legend.Top = true

	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}

func norm3(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}
