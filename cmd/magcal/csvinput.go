package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sensorkit/magcal/internal/calibration"
	"github.com/sensorkit/magcal/internal/geomag"
	"github.com/sensorkit/magcal/internal/units"
)

// readMeasurementsCSV loads measurements from a CSV file. Accepted layouts,
// with flux density values in inputUnits, angles in radians and positions in
// degrees/metres:
//
//	mx,my,mz
//	mx,my,mz,sigma
//	mx,my,mz,sigma,lat_deg,lon_deg,alt_m
//	mx,my,mz,sigma,lat_deg,lon_deg,alt_m,roll_rad,pitch_rad,yaw_rad
//
// A non-numeric first row is treated as a header and skipped.
func readMeasurementsCSV(path, inputUnits string) ([]calibration.Measurement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}

	var out []calibration.Measurement
	for i, record := range records {
		fields, err := parseFloats(record)
		if err != nil {
			if i == 0 {
				continue // header row
			}
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}

		switch len(fields) {
		case 3, 4, 7, 10:
		default:
			return nil, fmt.Errorf("line %d: expected 3, 4, 7 or 10 columns, got %d", i+1, len(fields))
		}

		m := calibration.Measurement{
			Body: [3]float64{
				units.ToTesla(fields[0], inputUnits),
				units.ToTesla(fields[1], inputUnits),
				units.ToTesla(fields[2], inputUnits),
			},
		}
		if len(fields) >= 4 {
			m.Sigma = units.ToTesla(fields[3], inputUnits)
		}
		if len(fields) >= 7 {
			m.Position = &geomag.Position{
				LatitudeDeg:  fields[4],
				LongitudeDeg: fields[5],
				AltitudeM:    fields[6],
			}
		}
		if len(fields) == 10 {
			m.Attitude = &geomag.Attitude{
				RollRad:  fields[7],
				PitchRad: fields[8],
				YawRad:   fields[9],
			}
		}
		out = append(out, m)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no measurements in %s", path)
	}
	return out, nil
}

func parseFloats(record []string) ([]float64, error) {
	out := make([]float64, len(record))
	for i, field := range record {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", field)
		}
		out[i] = v
	}
	return out, nil
}
