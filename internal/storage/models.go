package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ArchiveRow is one persisted archive period. DateTime marks the period end.
type ArchiveRow struct {
	DateTime   time.Time
	Interval   time.Duration
	Rain       decimal.NullDecimal
	RainRate   decimal.Decimal
	RateSource string
	CreatedAt  time.Time
}

// AlertRecord captures an emitted heavy rain alert for de-duplication/auditing.
type AlertRecord struct {
	ID         int64
	PeriodEnd  time.Time
	RainRate   decimal.Decimal
	Threshold  decimal.Decimal
	PeriodRain decimal.Decimal
	Channels   []string
	CreatedAt  time.Time
}
