package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"siphon-rainrate/internal/storage"
)

// Export renders archive periods as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

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

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rows, err := store.ListArchiveBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if opts.RainOnly {
		rows = wetPeriods(rows)
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no archive periods found for export window")
		return nil
	}

	return a.writeArchive(opts, rows)
}

func (a *App) writeArchive(opts ExportOptions, rows []storage.ArchiveRow) error {
	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting archive periods")

	if opts.CSVPath != "" {
		if err := writeArchiveCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeArchivePNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func wetPeriods(rows []storage.ArchiveRow) []storage.ArchiveRow {
	wet := rows[:0:0]
	for _, row := range rows {
		if row.Rain.Valid && row.Rain.Decimal.IsPositive() {
			wet = append(wet, row)
		}
	}
	return wet
}

func downsampleRows(rows []storage.ArchiveRow, max int) []storage.ArchiveRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[:1]
	}

	result := make([]storage.ArchiveRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeArchiveCSV(path string, rows []storage.ArchiveRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"date_time", "interval_seconds", "rain", "rain_rate", "rate_source"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		rain := ""
		if row.Rain.Valid {
			rain = row.Rain.Decimal.String()
		}
		record := []string{
			row.DateTime.UTC().Format(time.RFC3339),
			strconv.FormatInt(int64(row.Interval/time.Second), 10),
			rain,
			row.RainRate.String(),
			row.RateSource,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeArchivePNG(path string, rows []storage.ArchiveRow) error {
	if len(rows) < 2 {
		return errors.New("need at least two archive periods to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	rates := make([]float64, len(rows))
	rain := make([]float64, len(rows))

	for i, row := range rows {
		x[i] = row.DateTime
		rates[i] = row.RainRate.InexactFloat64()
		if row.Rain.Valid {
			rain[i] = row.Rain.Decimal.InexactFloat64()
		}
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Rain rate (per hour)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.3f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Period rain",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Rain rate",
				XValues: x,
				YValues: rates,
			},
			chart.TimeSeries{
				Name:    "Period rain",
				XValues: x,
				YValues: rain,
				YAxis:   chart.YAxisSecondary,
			},
		},
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
