package storage

import (
	"context"
	"time"

	"siphon-rainrate/internal/rainrate"
)

// History exposes the archive table as the engine's bootstrap source.
func (s *Store) History() rainrate.HistorySource {
	return HistoryFrom(s)
}

// HistoryFrom adapts any ArchiveStore to rainrate.HistorySource.
func HistoryFrom(store ArchiveStore) rainrate.HistorySource {
	return archiveHistory{store: store}
}

type archiveHistory struct {
	store ArchiveStore
}

func (h archiveHistory) ArchiveHistory(ctx context.Context, since int64) ([]rainrate.ArchiveRecord, error) {
	rows, err := h.store.ListArchiveSince(ctx, time.Unix(since, 0))
	if err != nil {
		return nil, err
	}

	records := make([]rainrate.ArchiveRecord, 0, len(rows))
	for _, row := range rows {
		rec := rainrate.ArchiveRecord{
			Timestamp: row.DateTime.Unix(),
			Interval:  int64(row.Interval / time.Second),
		}
		if row.Rain.Valid {
			rain := row.Rain.Decimal.InexactFloat64()
			rec.Rain = &rain
		}
		records = append(records, rec)
	}
	return records, nil
}
