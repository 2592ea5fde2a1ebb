package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"siphon-rainrate/internal/storage"
)

// Show prints recent archive periods, or recent alerts with opts.Alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show archive")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		a.printAlerts(alerts)
		return nil
	}

	rows, err := store.ListRecentArchive(ctx, opts.Limit)
	if err != nil {
		return err
	}
	a.printArchive(rows)
	return nil
}

func (a *App) printArchive(rows []storage.ArchiveRow) {
	if len(rows) == 0 {
		fmt.Fprintln(a.Out, "no archive periods found")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Period end (UTC)\tInterval\tRain\tRate/h\tSource")

	for _, row := range rows {
		rain := "-"
		if row.Rain.Valid {
			rain = row.Rain.Decimal.StringFixed(2)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			row.DateTime.UTC().Format(time.RFC3339),
			row.Interval,
			rain,
			row.RainRate.StringFixed(3),
			row.RateSource,
		)
	}

	writer.Flush()
}

func (a *App) printAlerts(alerts []storage.AlertRecord) {
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Period end (UTC)\tRate/h\tThreshold\tRain\tChannels\tSent (UTC)")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.PeriodEnd.UTC().Format(time.RFC3339),
			alert.RainRate.StringFixed(3),
			alert.Threshold.StringFixed(3),
			alert.PeriodRain.StringFixed(2),
			sanitizeInline(strings.Join(alert.Channels, ",")),
			alert.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
