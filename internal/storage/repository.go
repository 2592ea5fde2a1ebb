package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	archiveColumns = `date_time,
        interval_seconds,
        rain,
        rain_rate,
        rate_source,
        created_at`

	upsertArchiveSQL = `INSERT INTO archive (
        date_time,
        interval_seconds,
        rain,
        rain_rate,
        rate_source
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (date_time) DO UPDATE
    SET
        interval_seconds = EXCLUDED.interval_seconds,
        rain             = EXCLUDED.rain,
        rain_rate        = EXCLUDED.rain_rate,
        rate_source      = EXCLUDED.rate_source;`

	listArchiveSinceSQL = `SELECT ` + archiveColumns + `
    FROM archive
    WHERE date_time > $1
    ORDER BY date_time;`

	listArchiveBetweenSQL = `SELECT ` + archiveColumns + `
    FROM archive
    WHERE date_time >= $1
      AND date_time < $2
    ORDER BY date_time;`

	listRecentArchiveSQL = `SELECT ` + archiveColumns + `
    FROM archive
    ORDER BY date_time DESC
    LIMIT $1;`

	countArchiveSQL = `SELECT COUNT(*) FROM archive;`

	insertAlertSQL = `INSERT INTO rain_alerts (
        period_end,
        rain_rate,
        threshold,
        period_rain,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (period_end) DO UPDATE
    SET rain_rate   = EXCLUDED.rain_rate,
        threshold   = EXCLUDED.threshold,
        period_rain = EXCLUDED.period_rain,
        channels    = EXCLUDED.channels
    RETURNING id, period_end, rain_rate, threshold, period_rain, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        period_end,
        rain_rate,
        threshold,
        period_rain,
        channels,
        created_at
    FROM rain_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM rain_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ArchiveStore defines operations for archive period persistence.
type ArchiveStore interface {
	UpsertArchiveRecord(ctx context.Context, row ArchiveRow) error
	ListArchiveSince(ctx context.Context, since time.Time) ([]ArchiveRow, error)
	ListArchiveBetween(ctx context.Context, from, to time.Time) ([]ArchiveRow, error)
	ListRecentArchive(ctx context.Context, limit int) ([]ArchiveRow, error)
	CountArchive(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to archive periods and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session when the conn closes.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertArchiveRecord persists or updates the archive period ending at row.DateTime.
func (s *Store) UpsertArchiveRecord(ctx context.Context, row ArchiveRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var rain interface{}
	if row.Rain.Valid {
		rain = row.Rain.Decimal.String()
	}

	_, execErr := pool.Exec(ctx, upsertArchiveSQL,
		row.DateTime.UTC(),
		int64(row.Interval/time.Second),
		rain,
		row.RainRate.String(),
		row.RateSource,
	)
	if execErr != nil {
		return fmt.Errorf("upsert archive record: %w", execErr)
	}
	return nil
}

// ListArchiveSince lists periods stamped strictly after since, oldest first.
func (s *Store) ListArchiveSince(ctx context.Context, since time.Time) ([]ArchiveRow, error) {
	return s.queryArchive(ctx, "list archive since", listArchiveSinceSQL, since.UTC())
}

// ListArchiveBetween lists periods within a time window.
func (s *Store) ListArchiveBetween(ctx context.Context, from, to time.Time) ([]ArchiveRow, error) {
	return s.queryArchive(ctx, "list archive between", listArchiveBetweenSQL, from.UTC(), to.UTC())
}

// ListRecentArchive lists the most recent periods ordered by descending date_time.
func (s *Store) ListRecentArchive(ctx context.Context, limit int) ([]ArchiveRow, error) {
	return s.queryArchive(ctx, "list recent archive", listRecentArchiveSQL, limit)
}

func (s *Store) queryArchive(ctx context.Context, op, query string, args ...interface{}) ([]ArchiveRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	records := make([]ArchiveRow, 0)
	for rows.Next() {
		record, scanErr := scanArchiveRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountArchive counts stored archive periods.
func (s *Store) CountArchive(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countArchiveSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count archive: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.PeriodEnd.UTC(),
		alert.RainRate.String(),
		alert.Threshold.String(),
		alert.PeriodRain.String(),
		alert.Channels,
	)

	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("list recent alerts: %w", scanErr)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan.UTC()); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanArchiveRow(row pgx.Row) (ArchiveRow, error) {
	var (
		dateTime  time.Time
		interval  int64
		rainStr   *string
		rateStr   string
		source    string
		createdAt time.Time
	)

	if err := row.Scan(&dateTime, &interval, &rainStr, &rateStr, &source, &createdAt); err != nil {
		return ArchiveRow{}, err
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return ArchiveRow{}, fmt.Errorf("parse rain rate: %w", err)
	}

	record := ArchiveRow{
		DateTime:   dateTime.UTC(),
		Interval:   time.Duration(interval) * time.Second,
		RainRate:   rate,
		RateSource: source,
		CreatedAt:  createdAt,
	}
	if rainStr != nil {
		rain, err := decimal.NewFromString(*rainStr)
		if err != nil {
			return ArchiveRow{}, fmt.Errorf("parse rain: %w", err)
		}
		record.Rain = decimal.NewNullDecimal(rain)
	}
	return record, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var rec AlertRecord
	var rateStr, thresholdStr, rainStr string
	if err := row.Scan(
		&rec.ID,
		&rec.PeriodEnd,
		&rateStr,
		&thresholdStr,
		&rainStr,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var err error
	if rec.RainRate, err = decimal.NewFromString(rateStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse rain rate: %w", err)
	}
	if rec.Threshold, err = decimal.NewFromString(thresholdStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold: %w", err)
	}
	if rec.PeriodRain, err = decimal.NewFromString(rainStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse period rain: %w", err)
	}
	return rec, nil
}
