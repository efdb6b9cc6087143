package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventKind labels the domain events derived from on-chain activity.
type EventKind string

const (
	EventFunding     EventKind = "funding"
	EventRealizedPnl EventKind = "realized_pnl"
	EventLiquidation EventKind = "liquidation"
	EventBankruptcy  EventKind = "bankruptcy"
	EventTradeFill   EventKind = "trade_fill"
	EventDiagnostic  EventKind = "diagnostic"
)

// DomainEvent is the normalized record emitted to downstream consumers.
// Numeric payload fields are populated per kind; the rest stay zero.
type DomainEvent struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Market    string    `json:"market"`
	Account   string    `json:"account,omitempty"`
	Slot      uint64    `json:"slot"`
	Seq       uint64    `json:"seq"`
	EmittedAt time.Time `json:"emitted_at"`

	Side    string `json:"side,omitempty"`
	IsMaker bool   `json:"is_maker,omitempty"`

	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	QuoteAmount  decimal.Decimal `json:"quote_amount"`
	FundingIndex decimal.Decimal `json:"funding_index"`
	MarkTwap     decimal.Decimal `json:"mark_twap"`
	RealizedPnl  decimal.Decimal `json:"realized_pnl"`
	Balance      decimal.Decimal `json:"balance"`

	Note string `json:"note,omitempty"`
}

// NewEvent starts a DomainEvent with identity and timestamp filled in.
func NewEvent(kind EventKind, market string, slot uint64) DomainEvent {
	return DomainEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Market:    market,
		Slot:      slot,
		EmittedAt: time.Now().UTC(),
	}
}

// AccountUpdate is a raw account snapshot delivered by a subscription or a
// fetch, tagged with the slot it was observed at.
type AccountUpdate struct {
	Key        string
	Data       []byte
	Slot       uint64
	ReceivedAt time.Time
}

// LogLine is one program log line attributed to a transaction.
type LogLine struct {
	Signature  string    `json:"signature"`
	Slot       uint64    `json:"slot"`
	Line       string    `json:"line"`
	ReceivedAt time.Time `json:"received_at"`
}

// NativeToDecimal converts a raw smallest-unit amount to a decimal using the
// listing's exponent.
func NativeToDecimal(raw int64, decimals int) decimal.Decimal {
	return decimal.New(raw, -int32(decimals))
}

// UsdFromNative converts a raw USD smallest-unit amount to whole USD.
func UsdFromNative(raw int64) decimal.Decimal {
	return decimal.New(raw, -UsdDecimals)
}

// PriceFromFixed converts a fixed-point oracle or fill price to whole USD per
// whole asset.
func PriceFromFixed(raw int64) decimal.Decimal {
	return decimal.New(raw, -PriceExponent)
}

// FundingFromFixed converts a cumulative funding index to its decimal form.
func FundingFromFixed(raw int64) decimal.Decimal {
	return decimal.New(raw, -FundingExponent)
}

// MultiplierFromFixed converts a supply or borrow accrual multiplier to its
// decimal form.
func MultiplierFromFixed(raw uint64) decimal.Decimal {
	return decimal.New(int64(raw), -MultiplierExponent)
}
