package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siphon-rainrate/internal/alerting"
	"siphon-rainrate/internal/config"
	"siphon-rainrate/internal/storage"
)

const replayLog = `# siphon burst
rain event: 1000 0.01
1100 0.01
1200 0

{"dateTime": 1250, "rain": "0.02", "outTemp": 11.2}
1400 0
`

func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Interval: 5 * time.Minute},
		RainRate: config.RainRateConfig{
			Enabled:         true,
			TipQuantum:      0.01,
			EntryLifetime:   30 * time.Minute,
			MergeWindow:     2500 * time.Millisecond,
			RateFloor:       0.035,
			BootstrapWindow: 15 * time.Minute,
		},
		Alerting: config.AlertingConfig{Enabled: true, Threshold: 1, Channels: []string{"log"}},
		Export:   config.ExportConfig{MaxDataPoints: 100},
	}
	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rain-events.log")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReadRainEvents(t *testing.T) {
	packets, err := ReadRainEvents(strings.NewReader(replayLog))
	require.NoError(t, err)
	require.Len(t, packets, 5)

	assert.Equal(t, int64(1000), packets[0].DateTime)
	require.NotNil(t, packets[0].Rain)
	assert.InDelta(t, 0.01, *packets[0].Rain, 1e-12)
	assert.Equal(t, int64(1250), packets[3].DateTime)
	assert.Contains(t, packets[3].Fields, "outTemp")

	_, err = ReadRainEvents(strings.NewReader("1000\n"))
	assert.Error(t, err)
	_, err = ReadRainEvents(strings.NewReader("soon 0.01\n"))
	assert.Error(t, err)
	_, err = ReadRainEvents(strings.NewReader("1000 inf\n"))
	assert.Error(t, err)
	_, err = ReadRainEvents(strings.NewReader("1000 NaN\n"))
	assert.Error(t, err)
}

func TestReplayClosesArchivePeriods(t *testing.T) {
	a, out := testApp(t)

	result, err := a.Replay(context.Background(), ReplayOptions{File: writeFile(t, replayLog)})
	require.NoError(t, err)

	rates := make([]float64, len(result.Samples))
	for i, s := range result.Samples {
		rates[i] = s.Rate
	}
	assert.InDeltaSlice(t, []float64{0, 0.36, 0.36, 0.48, 0.24}, rates, 1e-9)

	require.Len(t, result.Periods, 2)
	assert.Equal(t, int64(1200), result.Periods[0].DateTime.Unix())
	assert.Equal(t, "0.36", result.Periods[0].RainRate.String())
	assert.Equal(t, "0.02", result.Periods[0].Rain.Decimal.String())
	assert.Equal(t, int64(1500), result.Periods[1].DateTime.Unix())
	assert.Equal(t, "0.48", result.Periods[1].RainRate.String())
	assert.Equal(t, "loop", result.Periods[1].RateSource)

	assert.Contains(t, out.String(), "0.480")
	assert.Contains(t, out.String(), "Period end (UTC)")
}

func TestReplayWritesCSV(t *testing.T) {
	a, out := testApp(t)
	csvPath := filepath.Join(t.TempDir(), "out", "replay.csv")

	_, err := a.Replay(context.Background(), ReplayOptions{
		File:            writeFile(t, "1000 0.01\n1100 0.01\n"),
		ArchiveInterval: time.Minute,
		CSVPath:         csvPath,
	})
	require.NoError(t, err)
	assert.Zero(t, out.Len())

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"date_time", "rain", "rain_rate"},
		{"1000", "0.01", "0"},
		{"1100", "0.01", "0.36"},
	}, records)
}

func TestReplayRejectsBadInput(t *testing.T) {
	a, _ := testApp(t)

	_, err := a.Replay(context.Background(), ReplayOptions{File: writeFile(t, "# nothing\n")})
	assert.Error(t, err)

	_, err = a.Replay(context.Background(), ReplayOptions{File: writeFile(t, "1000 0.01\n"), ArchiveInterval: 1500 * time.Millisecond})
	assert.Error(t, err)

	_, err = a.Replay(context.Background(), ReplayOptions{File: writeFile(t, "1000 0.01\n"), Persist: true})
	assert.Error(t, err)
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.notes = append(r.notes, note)
	return nil
}

func TestSimulateAlert(t *testing.T) {
	a, _ := testApp(t)
	notifier := &recordingNotifier{}

	require.NoError(t, a.simulate(context.Background(), 1.5, notifier))
	require.Len(t, notifier.notes, 1)
	assert.Equal(t, "1.5", notifier.notes[0].RainRate.String())
	assert.Equal(t, "0.125", notifier.notes[0].PeriodRain.String())
	assert.Equal(t, "average", notifier.notes[0].Source)

	assert.Error(t, a.simulate(context.Background(), 0, notifier))
	assert.Error(t, a.simulate(context.Background(), math.Inf(1), notifier))
	assert.Len(t, notifier.notes, 1)
}

func TestSimulateAlertRequiresAlerting(t *testing.T) {
	a, _ := testApp(t)
	a.Config.Alerting.Enabled = false
	assert.Error(t, a.SimulateAlert(context.Background(), 2))
}

func TestNewNotifierChannels(t *testing.T) {
	a, _ := testApp(t)
	a.Config.Alerting.Channels = []string{"telegram", "log", "sms"}

	notifier, ok := a.newNotifier().(alerting.Multi)
	require.True(t, ok)
	assert.Len(t, notifier, 1)

	a.Config.Alerting.Channels = nil
	assert.Nil(t, a.newNotifier())
}

func archiveRows(n int) []storage.ArchiveRow {
	rows := make([]storage.ArchiveRow, n)
	for i := range rows {
		rows[i] = storage.ArchiveRow{
			DateTime:   time.Unix(int64(1200+300*i), 0).UTC(),
			Interval:   5 * time.Minute,
			Rain:       decimal.NewNullDecimal(decimal.RequireFromString("0.01")),
			RainRate:   decimal.RequireFromString("0.12"),
			RateSource: "loop",
		}
	}
	return rows
}

func TestDownsampleRows(t *testing.T) {
	rows := archiveRows(10)

	assert.Len(t, downsampleRows(rows, 0), 10)
	assert.Len(t, downsampleRows(rows, 20), 10)

	picked := downsampleRows(rows, 4)
	require.Len(t, picked, 4)
	assert.Equal(t, rows[0].DateTime, picked[0].DateTime)
	assert.Equal(t, rows[9].DateTime, picked[3].DateTime)

	assert.Len(t, downsampleRows(rows, 1), 1)
}

func TestWetPeriods(t *testing.T) {
	rows := archiveRows(3)
	rows[0].Rain = decimal.NullDecimal{}
	rows[1].Rain = decimal.NewNullDecimal(decimal.Zero)

	wet := wetPeriods(rows)
	require.Len(t, wet, 1)
	assert.Equal(t, rows[2].DateTime, wet[0].DateTime)
	assert.Len(t, rows, 3)
}

func TestWriteArchiveCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.csv")
	rows := archiveRows(2)
	rows[1].Rain = decimal.NullDecimal{}

	require.NoError(t, writeArchiveCSV(path, rows))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "date_time,interval_seconds,rain,rain_rate,rate_source\n"+
		"1970-01-01T00:20:00Z,300,0.01,0.12,loop\n"+
		"1970-01-01T00:25:00Z,300,,0.12,loop\n", string(data))
}

func TestPrintArchive(t *testing.T) {
	a, out := testApp(t)

	a.printArchive(nil)
	assert.Equal(t, "no archive periods found\n", out.String())

	out.Reset()
	a.printArchive(archiveRows(1))
	assert.Contains(t, out.String(), "1970-01-01T00:20:00Z")
	assert.Contains(t, out.String(), "0.120")
}
