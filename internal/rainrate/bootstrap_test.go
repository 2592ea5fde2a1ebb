package rainrate

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	records []ArchiveRecord
	err     error
	calls   int
	since   int64
}

func (f *fakeHistory) ArchiveHistory(_ context.Context, since int64) ([]ArchiveRecord, error) {
	f.calls++
	f.since = since
	return f.records, f.err
}

func TestBootstrap_ScenarioD_BurstSpreadOverPeriod(t *testing.T) {
	const t0 = int64(1_700_000_100)
	src := &fakeHistory{records: []ArchiveRecord{{Timestamp: t0, Interval: 300, Rain: rain(0.02)}}}
	e := newTestEngine()

	n := e.Bootstrap(context.Background(), src, t0+10)

	require.Equal(t, 2, n)
	assert.Equal(t, t0+10-900, src.since)

	entries := e.Entries()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Less(t, entry.Timestamp, t0)
		assert.InDelta(t, 0.01, entry.Amount, tolerance)
		assert.True(t, entry.NoMerge)
		assert.Equal(t, entry.Timestamp+1800, entry.ExpiresAt)
	}
	assert.Equal(t, t0-75, entries[0].Timestamp)
	assert.Equal(t, t0-225, entries[1].Timestamp)
	assert.False(t, e.mergeable())
}

func TestBootstrap_SingleTipAtPeriodMidpoint(t *testing.T) {
	src := &fakeHistory{records: []ArchiveRecord{
		{Timestamp: 1000, Interval: 300, Rain: rain(0.01)},
		{Timestamp: 1300, Interval: 300, Rain: nil},
		{Timestamp: 1600, Interval: 300, Rain: rain(0)},
	}}
	e := newTestEngine()

	require.Equal(t, 1, e.Bootstrap(context.Background(), src, 1700))

	entries := e.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(850), entries[0].Timestamp)
	assert.InDelta(t, 0.01, entries[0].Amount, tolerance)
	assert.True(t, entries[0].NoMerge)
}

func TestBootstrap_RecordsReplayedOldestFirst(t *testing.T) {
	src := &fakeHistory{records: []ArchiveRecord{
		{Timestamp: 1600, Interval: 300, Rain: rain(0.03)},
		{Timestamp: 1300, Interval: 300, Rain: rain(0.01)},
	}}
	e := newTestEngine()

	require.Equal(t, 4, e.Bootstrap(context.Background(), src, 1650))

	entries := e.Entries()
	for i := 1; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i-1].Timestamp, entries[i].Timestamp)
	}
	assert.InDelta(t, 0.04, sumAmounts(entries), tolerance)
	assert.Equal(t, int64(1150), entries[len(entries)-1].Timestamp)
}

func TestBootstrap_QueryFailureStartsCold(t *testing.T) {
	src := &fakeHistory{err: errors.New("connection refused")}
	e := newTestEngine()

	assert.Zero(t, e.Bootstrap(context.Background(), src, 1000))
	assert.Empty(t, e.Entries())
	assert.Equal(t, 1, src.calls)
}

func TestBootstrap_MalformedRecordStartsCold(t *testing.T) {
	for _, rec := range []ArchiveRecord{
		{Timestamp: 1000, Interval: 0, Rain: rain(0.01)},
		{Timestamp: 1000, Interval: 300, Rain: rain(-0.01)},
		{Timestamp: 1000, Interval: 300, Rain: rain(math.NaN())},
	} {
		src := &fakeHistory{records: []ArchiveRecord{
			{Timestamp: 700, Interval: 300, Rain: rain(0.02)},
			rec,
		}}
		e := newTestEngine()

		assert.Zero(t, e.Bootstrap(context.Background(), src, 1100))
		assert.Empty(t, e.Entries())
	}
}

func TestBootstrap_RunsOnce(t *testing.T) {
	src := &fakeHistory{records: []ArchiveRecord{{Timestamp: 1000, Interval: 300, Rain: rain(0.01)}}}
	e := newTestEngine()

	assert.Equal(t, 1, e.Bootstrap(context.Background(), src, 1100))
	assert.Zero(t, e.Bootstrap(context.Background(), src, 1100))
	assert.Equal(t, 1, src.calls)
	assert.Len(t, e.Entries(), 1)
}

func TestBootstrap_SkippedAfterLiveSample(t *testing.T) {
	src := &fakeHistory{records: []ArchiveRecord{{Timestamp: 1000, Interval: 300, Rain: rain(0.01)}}}
	e := newTestEngine()

	e.OnSample(1100, nil)

	assert.Zero(t, e.Bootstrap(context.Background(), src, 1100))
	assert.Zero(t, src.calls)
}

func TestBootstrap_NilSourceStartsCold(t *testing.T) {
	e := newTestEngine()

	assert.Zero(t, e.Bootstrap(context.Background(), nil, 1000))
	assert.Empty(t, e.Entries())
}

func TestBootstrap_WarmLogGivesRateOnFirstTip(t *testing.T) {
	src := &fakeHistory{records: []ArchiveRecord{{Timestamp: 1000, Interval: 300, Rain: rain(0.01)}}}
	e := newTestEngine()
	e.Bootstrap(context.Background(), src, 1000)

	// Bootstrap tip sits at 850; a live tip at 1030 is 180 s later.
	rate := e.OnSample(1030, rain(0.01))
	assert.InDelta(t, 0.2, rate, tolerance)

	entries := e.Entries()
	require.Len(t, entries, 2)
	assert.InDelta(t, 0.01, entries[0].Amount, tolerance, "warm log must not force the first live tip")
}
