package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"perpkeeper/logger"
	"perpkeeper/models"
)

// EventRecord is the relational shape of a domain event. The composite
// unique index makes ingestion idempotent: re-deriving the same event after
// a reconnect or restart inserts nothing.
type EventRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Kind      string    `gorm:"size:24;uniqueIndex:idx_event_identity,priority:1"`
	Market    string    `gorm:"size:32;uniqueIndex:idx_event_identity,priority:2"`
	Account   string    `gorm:"size:64;uniqueIndex:idx_event_identity,priority:3"`
	Slot      uint64    `gorm:"uniqueIndex:idx_event_identity,priority:4"`
	Seq       uint64    `gorm:"uniqueIndex:idx_event_identity,priority:5"`
	EmittedAt time.Time `gorm:"index"`

	Side    string `gorm:"size:8"`
	IsMaker bool

	Price        decimal.Decimal `gorm:"type:numeric(38,18)"`
	Size         decimal.Decimal `gorm:"type:numeric(38,18)"`
	QuoteAmount  decimal.Decimal `gorm:"type:numeric(38,18)"`
	FundingIndex decimal.Decimal `gorm:"type:numeric(38,18)"`
	MarkTwap     decimal.Decimal `gorm:"type:numeric(38,18)"`
	RealizedPnl  decimal.Decimal `gorm:"type:numeric(38,18)"`
	Balance      decimal.Decimal `gorm:"type:numeric(38,18)"`

	Note string
}

func (EventRecord) TableName() string { return "events" }

func recordFromEvent(ev models.DomainEvent) EventRecord {
	return EventRecord{
		ID:           ev.ID,
		Kind:         string(ev.Kind),
		Market:       ev.Market,
		Account:      ev.Account,
		Slot:         ev.Slot,
		Seq:          ev.Seq,
		EmittedAt:    ev.EmittedAt,
		Side:         ev.Side,
		IsMaker:      ev.IsMaker,
		Price:        ev.Price,
		Size:         ev.Size,
		QuoteAmount:  ev.QuoteAmount,
		FundingIndex: ev.FundingIndex,
		MarkTwap:     ev.MarkTwap,
		RealizedPnl:  ev.RealizedPnl,
		Balance:      ev.Balance,
		Note:         ev.Note,
	}
}

// Store persists domain events to Postgres.
type Store struct {
	db  *gorm.DB
	log *logger.Log
}

// Open connects to Postgres and migrates the event tables.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	tables := append([]any{&EventRecord{}}, typedTables()...)
	if err := db.AutoMigrate(tables...); err != nil {
		return nil, fmt.Errorf("migrate event tables: %w", err)
	}
	s := &Store{db: db, log: logger.GetLogger()}
	s.log.WithComponent("store").Info("postgres store opened")
	return s, nil
}

// NewWithDB wraps an existing gorm handle, for tests and tooling.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db, log: logger.GetLogger()}
}

const insertBatchSize = 200

// SaveEvents inserts events, silently skipping rows whose identity already
// exists.
func (s *Store) SaveEvents(ctx context.Context, events []models.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]EventRecord, len(events))
	for i, ev := range events {
		records[i] = recordFromEvent(ev)
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(records, insertBatchSize)
	if result.Error != nil {
		return fmt.Errorf("insert events: %w", result.Error)
	}
	if err := s.saveTyped(ctx, events); err != nil {
		return err
	}
	logger.IncrementStoreWrite("postgres", len(events))
	s.log.WithComponent("store").WithFields(logger.Fields{
		"events":   len(events),
		"inserted": result.RowsAffected,
	}).Debug("events persisted")
	return nil
}

// RecentEvents returns the newest events for a market, newest first.
func (s *Store) RecentEvents(ctx context.Context, market string, limit int) ([]EventRecord, error) {
	var records []EventRecord
	err := s.db.WithContext(ctx).
		Where("market = ?", market).
		Order("slot DESC, seq DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return records, nil
}
