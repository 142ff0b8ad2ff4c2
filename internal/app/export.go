package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"txwatch/internal/model"
	"txwatch/internal/storage"
)

const defaultExportBucket = time.Hour

// Export renders persisted alerts as CSV and/or a PNG of counts per bucket.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)
	if opts.Bucket <= 0 {
		opts.Bucket = defaultExportBucket
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-7 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	if opts.CSVPath != "" {
		alerts, err := store.ListAlertsBetween(ctx, from, to)
		if err != nil {
			return err
		}
		downsampled := downsampleAlerts(alerts, opts.MaxPoints)
		a.Logger.Info().Int("total", len(alerts)).Int("exported", len(downsampled)).Msg("exporting alerts")
		if err := writeAlertsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		buckets, err := store.CountAlertBuckets(ctx, from, to, opts.Bucket)
		if err != nil {
			return err
		}
		if len(buckets) == 0 {
			a.Logger.Info().Msg("no alerts found for export window")
			return nil
		}
		if err := writeAlertsPNG(opts.PNGPath, buckets); err != nil {
			return err
		}
	}

	return nil
}

func downsampleAlerts(alerts []storage.AlertRecord, max int) []storage.AlertRecord {
	if max <= 0 || len(alerts) <= max {
		return alerts
	}
	if max == 1 {
		return alerts[:1]
	}

	result := make([]storage.AlertRecord, 0, max)
	step := float64(len(alerts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(alerts) {
			idx = len(alerts) - 1
		}
		result = append(result, alerts[idx])
	}
	return result
}

func writeAlertsCSV(path string, alerts []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"emitted_at", "id", "alert_type", "severity", "actor_id", "description", "data"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, alert := range alerts {
		data, err := json.Marshal(alert.Data)
		if err != nil {
			return err
		}
		record := []string{
			alert.Timestamp.UTC().Format(time.RFC3339),
			alert.ID.String(),
			string(alert.Type),
			string(alert.Severity),
			alert.ActorID,
			alert.Description,
			string(data),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// alertSeries pivots bucket counts into one aligned series per alert type.
func alertSeries(buckets []storage.AlertBucket) ([]time.Time, map[model.AlertType][]float64) {
	index := make(map[time.Time]int)
	var xs []time.Time
	for _, b := range buckets {
		if _, ok := index[b.Bucket]; !ok {
			index[b.Bucket] = 0
			xs = append(xs, b.Bucket)
		}
	}
	sort.Slice(xs, func(i, j int) bool { return xs[i].Before(xs[j]) })
	for i, x := range xs {
		index[x] = i
	}

	series := make(map[model.AlertType][]float64)
	for _, b := range buckets {
		ys, ok := series[b.Type]
		if !ok {
			ys = make([]float64, len(xs))
			series[b.Type] = ys
		}
		ys[index[b.Bucket]] += float64(b.Count)
	}
	return xs, series
}

func writeAlertsPNG(path string, buckets []storage.AlertBucket) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	xs, series := alertSeries(buckets)
	if len(xs) < 2 {
		// go-chart needs two points to establish a range.
		xs = append(xs, xs[0].Add(time.Second))
		for typ, ys := range series {
			series[typ] = append(ys, 0)
		}
	}

	types := make([]string, 0, len(series))
	for typ := range series {
		types = append(types, string(typ))
	}
	sort.Strings(types)

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Alerts",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
	}
	for _, typ := range types {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    typ,
			XValues: xs,
			YValues: series[model.AlertType(typ)],
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
