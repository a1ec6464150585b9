// Package report renders calibration run reports as self-contained HTML
// pages with ECharts visualisations.
package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/sensorkit/magcal/internal/calibration"
	"github.com/sensorkit/magcal/internal/units"
)

// RunReport bundles a calibration result with the per-measurement absolute
// residuals of the final fit, in tesla.
type RunReport struct {
	Result    *calibration.Result
	Residuals []float64
	Units     string // display units for residual values, e.g. "nT"
}

// WriteHTML renders the residual scatter for a calibration run. Inliers and
// outliers are split into separate series when the run used a robust method;
// a plain least-squares run renders a single series.
func WriteHTML(w io.Writer, r RunReport) error {
	if r.Result == nil {
		return fmt.Errorf("report needs a calibration result")
	}
	displayUnits := r.Units
	if displayUnits == "" {
		displayUnits = units.NanoTesla
	}
	if !units.IsValid(displayUnits) {
		return fmt.Errorf("report units must be one of %s, got %q", units.GetValidUnitsString(), displayUnits)
	}

	var inliers, outliers []opts.ScatterData
	for i, residual := range r.Residuals {
		point := opts.ScatterData{
			Value: []interface{}{i, units.ConvertFluxDensity(residual, displayUnits)},
		}
		if r.Result.Inliers != nil && i < len(r.Result.Inliers.Mask) && !r.Result.Inliers.Mask[i] {
			outliers = append(outliers, point)
		} else {
			inliers = append(inliers, point)
		}
	}

	subtitle := fmt.Sprintf("run=%s method=%s mode=%s chisq=%.3g mse=%.3g",
		r.Result.RunID, r.Result.Method, r.Result.Mode, r.Result.ChiSq, r.Result.MSE)
	if r.Result.Inliers != nil {
		subtitle += fmt.Sprintf(" inliers=%d/%d", r.Result.Inliers.Count, len(r.Result.Inliers.Mask))
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Magnetometer Calibration Residuals",
			Theme:     "dark",
			Width:     "1000px",
			Height:    "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Calibration Residuals",
			Subtitle: subtitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "measurement", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: fmt.Sprintf("residual (%s)", displayUnits), NameLocation: "middle", NameGap: 45}),
	)

	scatter.AddSeries("inliers", inliers,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#35b779"}))
	if len(outliers) > 0 {
		scatter.AddSeries("outliers", outliers,
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: "#d73027"}))
	}

	return scatter.Render(w)
}
