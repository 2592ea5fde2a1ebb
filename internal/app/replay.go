package app

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"siphon-rainrate/internal/ingest"
	"siphon-rainrate/internal/rainrate"
	"siphon-rainrate/internal/service"
	"siphon-rainrate/internal/storage"
)

const rainEventPrefix = "rain event:"

// ReplaySample is one replayed loop packet and the rate it received.
type ReplaySample struct {
	DateTime int64
	Rain     float64
	Rate     float64
}

// ReplayResult collects the per-packet rates and closed archive periods.
type ReplayResult struct {
	Samples []ReplaySample
	Periods []storage.ArchiveRow
}

// Replay runs a recorded rain event log through a fresh engine, closing an
// archive period every opts.ArchiveInterval, and prints or exports the
// rates. With opts.Persist the archive periods are written to the database.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) (*ReplayResult, error) {
	interval := opts.ArchiveInterval
	if interval <= 0 {
		interval = a.Config.Scheduler.Interval
	}
	if interval <= 0 || interval%time.Second != 0 {
		return nil, errors.New("archive interval must be a positive whole number of seconds")
	}

	file, err := os.Open(opts.File)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer file.Close()

	packets, err := ReadRainEvents(file)
	if err != nil {
		return nil, err
	}
	if len(packets) == 0 {
		return nil, errors.New("replay file holds no rain events")
	}

	recorder := &archiveRecorder{}
	if opts.Persist {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		if store == nil {
			return nil, errors.New("database.dsn not configured; cannot persist replay")
		}
		defer closeStore()
		recorder.next = store
	}

	cfg := *a.Config
	cfg.Scheduler.Interval = interval
	cfg.Scheduler.AdvisoryLockKey = 0
	cfg.RainRate.Enabled = true
	cfg.Alerting.Enabled = false

	quiet := a.Logger.Level(zerolog.WarnLevel)
	sink := &sampleRecorder{}
	svc := service.New(&cfg, service.Deps{
		Engine:  rainrate.New(service.EngineOptions(cfg.RainRate), quiet, nil),
		Sink:    sink,
		Archive: recorder,
		Clock:   clockwork.NewFakeClockAt(time.Unix(packets[0].DateTime, 0)),
		Logger:  quiet,
	})
	svc.Bootstrap(ctx)

	step := int64(interval / time.Second)
	boundary := ceilTo(packets[0].DateTime, step)
	for _, pkt := range packets {
		for pkt.DateTime > boundary {
			if err := svc.CloseArchivePeriod(ctx, time.Unix(boundary, 0)); err != nil {
				return nil, err
			}
			boundary += step
		}
		if err := svc.HandlePacket(ctx, pkt); err != nil {
			return nil, err
		}
	}
	if err := svc.CloseArchivePeriod(ctx, time.Unix(boundary, 0)); err != nil {
		return nil, err
	}

	result := &ReplayResult{Samples: sink.samples, Periods: recorder.rows}
	a.Logger.Info().
		Int("packets", len(result.Samples)).
		Int("periods", len(result.Periods)).
		Msg("replay complete")

	if opts.CSVPath != "" {
		if err := writeReplayCSV(opts.CSVPath, result.Samples); err != nil {
			return nil, err
		}
	} else {
		a.printReplay(result)
	}
	return result, nil
}

// ReadRainEvents parses a rain event log. Each line is either
// "<dateTime> <rain>", optionally prefixed with "rain event:", or a JSON
// loop packet. Blank lines and lines starting with # are skipped.
func ReadRainEvents(r io.Reader) ([]ingest.LoopPacket, error) {
	var packets []ingest.LoopPacket
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "{") {
			pkt, err := ingest.DecodePacket([]byte(line))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			packets = append(packets, pkt)
			continue
		}

		line = strings.TrimSpace(strings.TrimPrefix(line, rainEventPrefix))
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"<dateTime> <rain>\", got %q", lineNo, line)
		}
		ts, err := strconv.ParseFloat(fields[0], 64)
		if err == nil && (math.IsNaN(ts) || math.IsInf(ts, 0)) {
			err = errors.New("not finite")
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: parse dateTime: %w", lineNo, err)
		}
		pkt := ingest.LoopPacket{DateTime: int64(ts)}
		if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("line %d: rain %q is not finite", lineNo, fields[1])
			}
			pkt.Rain = &v
		}
		packets = append(packets, pkt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read rain events: %w", err)
	}
	return packets, nil
}

func ceilTo(ts, step int64) int64 {
	if r := ts % step; r != 0 {
		return ts + step - r
	}
	return ts
}

func (a *App) printReplay(result *ReplayResult) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "dateTime\tRain\tRate/h")
	for _, s := range result.Samples {
		fmt.Fprintf(writer, "%d\t%.4f\t%s\n", s.DateTime, s.Rain, ingest.RoundRate(s.Rate).StringFixed(3))
	}
	writer.Flush()

	fmt.Fprintln(a.Out)
	a.printArchive(result.Periods)
}

func writeReplayCSV(path string, samples []ReplaySample) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"date_time", "rain", "rain_rate"}); err != nil {
		return err
	}
	for _, s := range samples {
		record := []string{
			strconv.FormatInt(s.DateTime, 10),
			strconv.FormatFloat(s.Rain, 'f', -1, 64),
			ingest.RoundRate(s.Rate).String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

type sampleRecorder struct {
	samples []ReplaySample
}

func (r *sampleRecorder) Publish(_ context.Context, pkt ingest.LoopPacket) error {
	s := ReplaySample{DateTime: pkt.DateTime}
	if pkt.Rain != nil {
		s.Rain = *pkt.Rain
	}
	if pkt.RainRate != nil {
		s.Rate = *pkt.RainRate
	}
	r.samples = append(r.samples, s)
	return nil
}

func (r *sampleRecorder) Close() error { return nil }

// archiveRecorder keeps every closed period and forwards it to next when set.
type archiveRecorder struct {
	next storage.ArchiveStore
	rows []storage.ArchiveRow
}

func (r *archiveRecorder) UpsertArchiveRecord(ctx context.Context, row storage.ArchiveRow) error {
	r.rows = append(r.rows, row)
	if r.next == nil {
		return nil
	}
	return r.next.UpsertArchiveRecord(ctx, row)
}

func (r *archiveRecorder) ListArchiveSince(context.Context, time.Time) ([]storage.ArchiveRow, error) {
	return nil, nil
}

func (r *archiveRecorder) ListArchiveBetween(context.Context, time.Time, time.Time) ([]storage.ArchiveRow, error) {
	return r.rows, nil
}

func (r *archiveRecorder) ListRecentArchive(context.Context, int) ([]storage.ArchiveRow, error) {
	return r.rows, nil
}

func (r *archiveRecorder) CountArchive(context.Context) (int64, error) {
	return int64(len(r.rows)), nil
}

var (
	_ ingest.Sink          = (*sampleRecorder)(nil)
	_ storage.ArchiveStore = (*archiveRecorder)(nil)
)
