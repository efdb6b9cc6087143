package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"

	"perpkeeper/models"
)

// Typed tables for the analytic event kinds. Each carries only the columns
// its kind populates and repeats the conflict discipline of the events
// table, so replays land in both places without duplication. Diagnostics
// stay in the events table only.

// FillRecord is one matched trade from a market's event queue.
type FillRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Market    string    `gorm:"size:32;uniqueIndex:idx_fill_identity,priority:1"`
	Account   string    `gorm:"size:64;uniqueIndex:idx_fill_identity,priority:2"`
	Slot      uint64    `gorm:"uniqueIndex:idx_fill_identity,priority:3"`
	Seq       uint64    `gorm:"uniqueIndex:idx_fill_identity,priority:4"`
	EmittedAt time.Time `gorm:"index"`

	Side        string `gorm:"size:8"`
	IsMaker     bool
	Price       decimal.Decimal `gorm:"type:numeric(38,18)"`
	Size        decimal.Decimal `gorm:"type:numeric(38,18)"`
	QuoteAmount decimal.Decimal `gorm:"type:numeric(38,18)"`
}

func (FillRecord) TableName() string { return "fills" }

// FundingRecord is one observed funding-index move for a market.
type FundingRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Market    string    `gorm:"size:32;uniqueIndex:idx_funding_identity,priority:1"`
	Slot      uint64    `gorm:"uniqueIndex:idx_funding_identity,priority:2"`
	EmittedAt time.Time `gorm:"index"`

	FundingIndex decimal.Decimal `gorm:"type:numeric(38,18)"`
	MarkTwap     decimal.Decimal `gorm:"type:numeric(38,18)"`
}

func (FundingRecord) TableName() string { return "funding_rates" }

// RealizedPnlRecord is one settled pnl change on a trader's position.
type RealizedPnlRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Market    string    `gorm:"size:32;uniqueIndex:idx_pnl_identity,priority:1"`
	Account   string    `gorm:"size:64;uniqueIndex:idx_pnl_identity,priority:2"`
	Slot      uint64    `gorm:"uniqueIndex:idx_pnl_identity,priority:3"`
	EmittedAt time.Time `gorm:"index"`

	Amount  decimal.Decimal `gorm:"type:numeric(38,18)"`
	Balance decimal.Decimal `gorm:"type:numeric(38,18)"`
}

func (RealizedPnlRecord) TableName() string { return "realized_pnl" }

// LiquidationRecord marks the slot an account's control was flagged
// liquidated.
type LiquidationRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Account   string    `gorm:"size:64;uniqueIndex:idx_liq_identity,priority:1"`
	Slot      uint64    `gorm:"uniqueIndex:idx_liq_identity,priority:2"`
	EmittedAt time.Time `gorm:"index"`

	Note string
}

func (LiquidationRecord) TableName() string { return "liquidations" }

// BankruptcyRecord marks the slot an account's control was flagged bankrupt.
type BankruptcyRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Account   string    `gorm:"size:64;uniqueIndex:idx_bankruptcy_identity,priority:1"`
	Slot      uint64    `gorm:"uniqueIndex:idx_bankruptcy_identity,priority:2"`
	EmittedAt time.Time `gorm:"index"`

	Note string
}

func (BankruptcyRecord) TableName() string { return "bankruptcies" }

func typedTables() []any {
	return []any{
		&FillRecord{},
		&FundingRecord{},
		&RealizedPnlRecord{},
		&LiquidationRecord{},
		&BankruptcyRecord{},
	}
}

// typedBatch holds one SaveEvents call's worth of analytic rows, grouped by
// destination table.
type typedBatch struct {
	fills        []FillRecord
	funding      []FundingRecord
	pnl          []RealizedPnlRecord
	liquidations []LiquidationRecord
	bankruptcies []BankruptcyRecord
}

func classifyEvents(events []models.DomainEvent) typedBatch {
	var batch typedBatch
	for _, ev := range events {
		switch ev.Kind {
		case models.EventTradeFill:
			batch.fills = append(batch.fills, FillRecord{
				ID:          ev.ID,
				Market:      ev.Market,
				Account:     ev.Account,
				Slot:        ev.Slot,
				Seq:         ev.Seq,
				EmittedAt:   ev.EmittedAt,
				Side:        ev.Side,
				IsMaker:     ev.IsMaker,
				Price:       ev.Price,
				Size:        ev.Size,
				QuoteAmount: ev.QuoteAmount,
			})
		case models.EventFunding:
			batch.funding = append(batch.funding, FundingRecord{
				ID:           ev.ID,
				Market:       ev.Market,
				Slot:         ev.Slot,
				EmittedAt:    ev.EmittedAt,
				FundingIndex: ev.FundingIndex,
				MarkTwap:     ev.MarkTwap,
			})
		case models.EventRealizedPnl:
			batch.pnl = append(batch.pnl, RealizedPnlRecord{
				ID:        ev.ID,
				Market:    ev.Market,
				Account:   ev.Account,
				Slot:      ev.Slot,
				EmittedAt: ev.EmittedAt,
				Amount:    ev.RealizedPnl,
				Balance:   ev.Balance,
			})
		case models.EventLiquidation:
			batch.liquidations = append(batch.liquidations, LiquidationRecord{
				ID:        ev.ID,
				Account:   ev.Account,
				Slot:      ev.Slot,
				EmittedAt: ev.EmittedAt,
				Note:      ev.Note,
			})
		case models.EventBankruptcy:
			batch.bankruptcies = append(batch.bankruptcies, BankruptcyRecord{
				ID:        ev.ID,
				Account:   ev.Account,
				Slot:      ev.Slot,
				EmittedAt: ev.EmittedAt,
				Note:      ev.Note,
			})
		}
	}
	return batch
}

// saveTyped routes events into their analytic tables. Runs after the events
// insert; a typed failure surfaces without undoing the generic rows, the
// conflict discipline makes the redelivery safe.
func (s *Store) saveTyped(ctx context.Context, events []models.DomainEvent) error {
	batch := classifyEvents(events)
	if err := insertTyped(s, ctx, "fills", batch.fills); err != nil {
		return err
	}
	if err := insertTyped(s, ctx, "funding_rates", batch.funding); err != nil {
		return err
	}
	if err := insertTyped(s, ctx, "realized_pnl", batch.pnl); err != nil {
		return err
	}
	if err := insertTyped(s, ctx, "liquidations", batch.liquidations); err != nil {
		return err
	}
	return insertTyped(s, ctx, "bankruptcies", batch.bankruptcies)
}

func insertTyped[R any](s *Store, ctx context.Context, table string, records []R) error {
	if len(records) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(records, insertBatchSize)
	if result.Error != nil {
		return fmt.Errorf("insert %s: %w", table, result.Error)
	}
	return nil
}

// FillsForAccount returns a trader's fills in a market, newest first.
func (s *Store) FillsForAccount(ctx context.Context, market, account string, limit int) ([]FillRecord, error) {
	var records []FillRecord
	err := s.db.WithContext(ctx).
		Where("market = ? AND account = ?", market, account).
		Order("slot DESC, seq DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	return records, nil
}
