package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorkit/magcal/internal/units"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadMeasurementsCSV(t *testing.T) {
	path := writeCSV(t, "mx,my,mz,sigma,lat_deg,lon_deg,alt_m,roll_rad,pitch_rad,yaw_rad\n"+
		"21.4,-3.2,44.1,0.05,52.3,4.9,11,0.1,-0.2,1.5\n"+
		"20.9,-2.8,44.6,0.05,52.3,4.9,11,0.2,0.1,2.9\n")

	ms, err := readMeasurementsCSV(path, units.MicroTesla)
	require.NoError(t, err)
	require.Len(t, ms, 2)

	assert.InDelta(t, 21.4e-6, ms[0].Body[0], 1e-12)
	assert.InDelta(t, -3.2e-6, ms[0].Body[1], 1e-12)
	assert.InDelta(t, 0.05e-6, ms[0].Sigma, 1e-12)
	require.NotNil(t, ms[0].Position)
	assert.Equal(t, 52.3, ms[0].Position.LatitudeDeg)
	require.NotNil(t, ms[0].Attitude)
	assert.Equal(t, 1.5, ms[0].Attitude.YawRad)
}

func TestReadMeasurementsCSVShortRows(t *testing.T) {
	path := writeCSV(t, "48.1,-2.0,11.5\n47.9,-1.8,11.2\n")

	ms, err := readMeasurementsCSV(path, units.MicroTesla)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Zero(t, ms[0].Sigma)
	assert.Nil(t, ms[0].Position)
	assert.Nil(t, ms[0].Attitude)
}

func TestReadMeasurementsCSVErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := readMeasurementsCSV(filepath.Join(t.TempDir(), "nope.csv"), units.Tesla)
		assert.Error(t, err)
	})

	t.Run("wrong column count", func(t *testing.T) {
		path := writeCSV(t, "1,2\n")
		_, err := readMeasurementsCSV(path, units.Tesla)
		assert.Error(t, err)
	})

	t.Run("bad value mid file", func(t *testing.T) {
		path := writeCSV(t, "1,2,3\n1,banana,3\n")
		_, err := readMeasurementsCSV(path, units.Tesla)
		assert.Error(t, err)
	})

	t.Run("header only", func(t *testing.T) {
		path := writeCSV(t, "mx,my,mz\n")
		_, err := readMeasurementsCSV(path, units.Tesla)
		assert.Error(t, err)
	})
}
