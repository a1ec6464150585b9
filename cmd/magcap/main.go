// Command magcap captures raw magnetometer samples from a serial port into
// a calibration database session. The sensor is expected to emit one sample
// per line as comma-separated axis values.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sensorkit/magcal/internal/calibration"
	"github.com/sensorkit/magcal/internal/calstore"
	"github.com/sensorkit/magcal/internal/config"
	"github.com/sensorkit/magcal/internal/geomag"
	"github.com/sensorkit/magcal/internal/units"
	"github.com/sensorkit/magcal/internal/version"
)

var (
	portName    = flag.String("port", "/dev/ttyUSB0", "serial port the magnetometer is attached to")
	baudRate    = flag.Int("baud", 115200, "serial baud rate")
	dbPath      = flag.String("db", "calibration.db", "calibration database path")
	sessionName = flag.String("session", "", "name for the new capture session (required)")
	sampleCount = flag.Int("count", 0, "stop after this many samples (0 = run until interrupted)")
	configPath  = flag.String("config", "", "tuning JSON file with units and site position")
)

func main() {
	flag.Parse()
	log.Printf("magcap %s", version.String())
	if *sessionName == "" {
		fmt.Fprintln(os.Stderr, "-session is required")
		flag.Usage()
		os.Exit(1)
	}

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	inputUnits := tuning.GetUnits()

	// Site position from the tuning file is attached to every sample so
	// the reference-field model can resolve ground truth later.
	var position *geomag.Position
	if tuning.LatitudeDeg != nil && tuning.LongitudeDeg != nil {
		position = &geomag.Position{
			LatitudeDeg:  tuning.GetLatitudeDeg(),
			LongitudeDeg: tuning.GetLongitudeDeg(),
			AltitudeM:    tuning.GetAltitudeM(),
		}
	}

	store, err := calstore.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	sessionID, err := store.CreateSession(*sessionName)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	log.Printf("Capturing to session %s (%s)", *sessionName, sessionID)

	port, err := NewMagPort(*portName, *baudRate)
	if err != nil {
		log.Fatalf("Failed to open serial port %s: %v", *portName, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := port.Monitor(ctx); err != nil {
			log.Printf("Serial monitor stopped: %v", err)
		}
		cancel()
	}()

	captured := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("Capture finished: %d samples in session %s", captured, sessionID)
			return
		case line := <-port.Events():
			m, err := parseSample(line, inputUnits)
			if err != nil {
				log.Printf("Skipping sample: %v", err)
				continue
			}
			m.Position = position
			m.Time = time.Now().UTC()
			if err := store.AddMeasurement(sessionID, m); err != nil {
				log.Fatalf("Failed to record sample: %v", err)
			}
			captured++
			if captured%25 == 0 {
				log.Printf("%d samples captured", captured)
			}
			if *sampleCount > 0 && captured >= *sampleCount {
				log.Printf("Capture finished: %d samples in session %s", captured, sessionID)
				return
			}
		}
	}
}

// parseSample parses a "mx,my,mz" line in the configured units.
func parseSample(line, inputUnits string) (calibration.Measurement, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 3 {
		return calibration.Measurement{}, fmt.Errorf("expected 3 fields, got %d in %q", len(parts), line)
	}
	var body [3]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return calibration.Measurement{}, fmt.Errorf("invalid value %q in %q", part, line)
		}
		body[i] = units.ToTesla(v, inputUnits)
	}
	return calibration.Measurement{Body: body}, nil
}
