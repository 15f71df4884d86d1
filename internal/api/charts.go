package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/roadwatch/internal/httputil"
	"github.com/banshee-data/roadwatch/internal/pipeline"
)

// OccupancySummary describes the retained history window.
type OccupancySummary struct {
	Samples   int
	Mean      float64
	StdDev    float64
	Peak      int
	Crossings int
}

// Summarize computes occupancy statistics over samples. Crossings is the
// count gained across the window.
func Summarize(samples []pipeline.Sample) OccupancySummary {
	if len(samples) == 0 {
		return OccupancySummary{}
	}
	xs := make([]float64, len(samples))
	peak := 0
	for i, s := range samples {
		xs[i] = float64(s.Occupancy)
		peak = max(peak, s.Occupancy)
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) == 1 {
		std = 0
	}
	return OccupancySummary{
		Samples:   len(samples),
		Mean:      mean,
		StdDev:    std,
		Peak:      peak,
		Crossings: samples[len(samples)-1].Crossings - samples[0].Crossings,
	}
}

// handleTrafficChart renders occupancy and cumulative crossings over the
// retained history as an HTML line chart.
func (s *Server) handleTrafficChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Pipeline == nil {
		httputil.ServiceUnavailable(w, "pipeline not running")
		return
	}

	samples := s.opts.Pipeline.History()
	sum := Summarize(samples)

	x := make([]string, 0, len(samples))
	occ := make([]opts.LineData, 0, len(samples))
	crossings := make([]opts.LineData, 0, len(samples))
	for _, smp := range samples {
		x = append(x, smp.At.Format("15:04:05"))
		occ = append(occ, opts.LineData{Value: smp.Occupancy, Name: smp.Level})
		crossings = append(crossings, opts.LineData{Value: smp.Crossings})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Roadwatch Traffic", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title: "ROI occupancy",
			Subtitle: fmt.Sprintf("samples=%d mean=%.2f sd=%.2f peak=%d crossings=%d",
				sum.Samples, sum.Mean, sum.StdDev, sum.Peak, sum.Crossings),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "vehicles"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).
		AddSeries("occupancy", occ, charts.WithLineChartOpts(opts.LineChart{Step: "end"})).
		AddSeries("crossings", crossings, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	page := components.NewPage()
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
