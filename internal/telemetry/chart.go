package telemetry

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// Source supplies samples for the fixation chart.
type Source interface {
	Recent() []Sample
}

// SourceFunc resolves the source for a chart request, or reports none.
type SourceFunc func(r *http.Request) (Source, bool)

// ChartHandler renders recent samples as an x/y scatter, one series per eye,
// coloured by pupil diameter.
func ChartHandler(lookup SourceFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := lookup(r)
		if !ok || src == nil {
			http.Error(w, "no telemetry for this session", http.StatusNotFound)
			return
		}
		samples := src.Recent()
		fix := Summarize(samples)

		series := map[Eye][]opts.ScatterData{}
		pad := 1.0
		maxD := 1.0
		for _, s := range samples {
			series[s.Eye] = append(series[s.Eye], opts.ScatterData{Value: []interface{}{s.X, s.Y, s.Diameter}})
			pad = max(pad, abs(s.X), abs(s.Y))
			maxD = max(maxD, s.Diameter)
		}
		pad *= 1.1

		scatter := charts.NewScatter()
		scatter.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{PageTitle: "Fixation", Theme: "dark", Width: "900px", Height: "900px"}),
			charts.WithTitleOpts(opts.Title{Title: "Fixation", Subtitle: fmt.Sprintf("samples=%d mean=(%.2f, %.2f) sd=(%.2f, %.2f)", fix.N, fix.MeanX, fix.MeanY, fix.SDX, fix.SDY)}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "x (deg)", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "y (deg)", NameLocation: "middle", NameGap: 30}),
			charts.WithVisualMapOpts(opts.VisualMap{
				Show:       opts.Bool(true),
				Calculable: opts.Bool(true),
				Min:        0,
				Max:        float32(maxD),
				Dimension:  "2",
				InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#fde725"}},
			}),
		)
		for _, eye := range []Eye{Left, Right} {
			if pts, ok := series[eye]; ok {
				scatter.AddSeries(string(eye), pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
			}
		}

		var buf bytes.Buffer
		if err := scatter.Render(&buf); err != nil {
			http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
