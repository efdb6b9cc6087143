package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"perpkeeper/solana"
)

// Capacity of the fixed arrays inside the program's zero-copy accounts.
const (
	MaxMarkets     = 32
	MaxCollaterals = 16
	MaxOracles     = 64

	symbolLen = 16
)

// Fixed-point scales used across the program's numeric fields.
const (
	// UsdDecimals is the smallest-unit exponent of the USD quote currency.
	UsdDecimals = 6
	// PriceExponent scales oracle prices and fill prices: whole USD per
	// whole asset, times 10^9.
	PriceExponent = 9
	// FundingExponent scales cumulative funding indexes.
	FundingExponent = 9
	// MultiplierExponent scales supply/borrow accrual multipliers.
	MultiplierExponent = 9
	// ImfScale scales the per-market initial margin fraction.
	ImfScale = 1_000_000
)

// Record sizes and account sizes, in bytes. Offsets inside the decode
// functions must stay in lockstep with these.
const (
	perpMarketRecordSize = 72
	collateralRecordSize = 56
	oracleRecordSize     = 56
	borrowRecordSize     = 48
	openOrdersRecordSize = 48
	queueEventRecordSize = 96
	queueHeaderSize      = 32

	StateSize   = 80 + MaxMarkets*perpMarketRecordSize + MaxCollaterals*collateralRecordSize
	CacheSize   = 16 + MaxOracles*oracleRecordSize + MaxCollaterals*borrowRecordSize
	MarginSize  = 72 + MaxCollaterals*8
	ControlSize = 48 + MaxMarkets*openOrdersRecordSize
)

// MarketKind distinguishes the perp contract types the program supports.
type MarketKind uint8

const (
	MarketFuture MarketKind = iota
	MarketSquaredFuture
)

// Control flag bits set by the program during enforcement actions.
const (
	ControlFlagLiquidated = 1 << 0
	ControlFlagBankrupt   = 1 << 1
)

// Queue event kinds.
const (
	QueueEventFill = iota
	QueueEventOut
)

// queue event flag bits.
const queueEventFlagMaker = 1 << 0

// accountDiscriminator returns the 8 byte tag the program writes at the start
// of every account it owns.
func accountDiscriminator(name string) [8]byte {
	var d [8]byte
	h := sha256.Sum256([]byte("account:" + name))
	copy(d[:], h[:8])
	return d
}

var (
	stateDiscriminator      = accountDiscriminator("State")
	cacheDiscriminator      = accountDiscriminator("Cache")
	marginDiscriminator     = accountDiscriminator("Margin")
	controlDiscriminator    = accountDiscriminator("Control")
	eventQueueDiscriminator = accountDiscriminator("EventQueue")
)

// AccountKind names the program account types.
type AccountKind string

const (
	AccountState      AccountKind = "state"
	AccountCache      AccountKind = "cache"
	AccountMargin     AccountKind = "margin"
	AccountControl    AccountKind = "control"
	AccountEventQueue AccountKind = "event_queue"
	AccountUnknown    AccountKind = ""
)

// KindOf reports which program account an image is, by its discriminator.
func KindOf(data []byte) AccountKind {
	if len(data) < 8 {
		return AccountUnknown
	}
	switch {
	case bytes.Equal(data[:8], stateDiscriminator[:]):
		return AccountState
	case bytes.Equal(data[:8], cacheDiscriminator[:]):
		return AccountCache
	case bytes.Equal(data[:8], marginDiscriminator[:]):
		return AccountMargin
	case bytes.Equal(data[:8], controlDiscriminator[:]):
		return AccountControl
	case bytes.Equal(data[:8], eventQueueDiscriminator[:]):
		return AccountEventQueue
	}
	return AccountUnknown
}

func checkAccount(data []byte, disc [8]byte, size int, name string) error {
	if len(data) < size {
		return fmt.Errorf("%s account too short: %d < %d", name, len(data), size)
	}
	if !bytes.Equal(data[:8], disc[:]) {
		return fmt.Errorf("%s account discriminator mismatch", name)
	}
	return nil
}

func symbolString(b []byte) string {
	return string(bytes.TrimRight(b[:symbolLen], "\x00"))
}

// PerpMarket is one live market slot of the State account.
type PerpMarket struct {
	Symbol        string
	EventQueue    solana.PublicKey
	OracleIndex   int
	Kind          MarketKind
	AssetDecimals int
	BaseImf       uint32
	FundingIndex  int64
	LastFundingTs int64
}

// Collateral is one live collateral listing of the State account.
type Collateral struct {
	Symbol      string
	Mint        solana.PublicKey
	OracleIndex int
	Decimals    int
	Weight      int
}

// State is the program's global registry: markets, collateral listings and the
// cache account reference. Mutated on-chain only by confirmed cranks.
type State struct {
	Authority   solana.PublicKey
	Cache       solana.PublicKey
	Markets     []PerpMarket
	Collaterals []Collateral
}

// DecodeState parses a State account.
func DecodeState(data []byte) (*State, error) {
	if err := checkAccount(data, stateDiscriminator, StateSize, "state"); err != nil {
		return nil, err
	}
	s := &State{}
	copy(s.Authority[:], data[8:40])
	copy(s.Cache[:], data[40:72])
	totalMarkets := int(binary.LittleEndian.Uint16(data[72:74]))
	totalCollaterals := int(binary.LittleEndian.Uint16(data[74:76]))
	if totalMarkets > MaxMarkets || totalCollaterals > MaxCollaterals {
		return nil, fmt.Errorf("state counts out of range: markets=%d collaterals=%d", totalMarkets, totalCollaterals)
	}

	s.Markets = make([]PerpMarket, 0, totalMarkets)
	for i := 0; i < totalMarkets; i++ {
		rec := data[80+i*perpMarketRecordSize:]
		m := PerpMarket{
			Symbol:        symbolString(rec),
			OracleIndex:   int(binary.LittleEndian.Uint16(rec[48:50])),
			Kind:          MarketKind(rec[50]),
			AssetDecimals: int(rec[51]),
			BaseImf:       binary.LittleEndian.Uint32(rec[52:56]),
			FundingIndex:  int64(binary.LittleEndian.Uint64(rec[56:64])),
			LastFundingTs: int64(binary.LittleEndian.Uint64(rec[64:72])),
		}
		copy(m.EventQueue[:], rec[16:48])
		s.Markets = append(s.Markets, m)
	}

	base := 80 + MaxMarkets*perpMarketRecordSize
	s.Collaterals = make([]Collateral, 0, totalCollaterals)
	for i := 0; i < totalCollaterals; i++ {
		rec := data[base+i*collateralRecordSize:]
		c := Collateral{
			Symbol:      symbolString(rec),
			OracleIndex: int(binary.LittleEndian.Uint16(rec[48:50])),
			Decimals:    int(rec[50]),
			Weight:      int(rec[51]),
		}
		copy(c.Mint[:], rec[16:48])
		s.Collaterals = append(s.Collaterals, c)
	}
	return s, nil
}

// Oracle is one price slot of the Cache account.
type Oracle struct {
	Symbol   string
	Price    int64
	Twap     int64
	Conf     uint64
	LastSlot uint64
	LastTs   int64
}

// Borrow tracks pooled lending totals and accrual multipliers for one
// collateral listing.
type Borrow struct {
	Supply           uint64
	Borrows          uint64
	SupplyMultiplier uint64
	BorrowMultiplier uint64
	LastUpdated      int64
}

// Cache mirrors the program's oracle and interest-rate cache account.
type Cache struct {
	Oracles []Oracle
	Borrows []Borrow
}

// DecodeCache parses a Cache account.
func DecodeCache(data []byte) (*Cache, error) {
	if err := checkAccount(data, cacheDiscriminator, CacheSize, "cache"); err != nil {
		return nil, err
	}
	totalOracles := int(binary.LittleEndian.Uint16(data[8:10]))
	if totalOracles > MaxOracles {
		return nil, fmt.Errorf("cache oracle count out of range: %d", totalOracles)
	}
	c := &Cache{Oracles: make([]Oracle, 0, totalOracles), Borrows: make([]Borrow, 0, MaxCollaterals)}
	for i := 0; i < totalOracles; i++ {
		rec := data[16+i*oracleRecordSize:]
		c.Oracles = append(c.Oracles, Oracle{
			Symbol:   symbolString(rec),
			Price:    int64(binary.LittleEndian.Uint64(rec[16:24])),
			Twap:     int64(binary.LittleEndian.Uint64(rec[24:32])),
			Conf:     binary.LittleEndian.Uint64(rec[32:40]),
			LastSlot: binary.LittleEndian.Uint64(rec[40:48]),
			LastTs:   int64(binary.LittleEndian.Uint64(rec[48:56])),
		})
	}
	base := 16 + MaxOracles*oracleRecordSize
	for i := 0; i < MaxCollaterals; i++ {
		rec := data[base+i*borrowRecordSize:]
		c.Borrows = append(c.Borrows, Borrow{
			Supply:           binary.LittleEndian.Uint64(rec[0:8]),
			Borrows:          binary.LittleEndian.Uint64(rec[8:16]),
			SupplyMultiplier: binary.LittleEndian.Uint64(rec[16:24]),
			BorrowMultiplier: binary.LittleEndian.Uint64(rec[24:32]),
			LastUpdated:      int64(binary.LittleEndian.Uint64(rec[32:40])),
		})
	}
	return c, nil
}

// Oracle looks up an oracle slot by index.
func (c *Cache) Oracle(index int) (Oracle, bool) {
	if index < 0 || index >= len(c.Oracles) {
		return Oracle{}, false
	}
	return c.Oracles[index], true
}

// Margin holds a trader's collateral balances. Balances are signed raw units:
// negative values are borrows. Actual size = raw x the matching accrual
// multiplier from the Cache.
type Margin struct {
	Authority  solana.PublicKey
	Control    solana.PublicKey
	Collateral [MaxCollaterals]int64
}

// DecodeMargin parses a Margin account.
func DecodeMargin(data []byte) (*Margin, error) {
	if err := checkAccount(data, marginDiscriminator, MarginSize, "margin"); err != nil {
		return nil, err
	}
	m := &Margin{}
	copy(m.Authority[:], data[8:40])
	copy(m.Control[:], data[40:72])
	for i := 0; i < MaxCollaterals; i++ {
		m.Collateral[i] = int64(binary.LittleEndian.Uint64(data[72+i*8 : 80+i*8]))
	}
	return m, nil
}

// OpenOrders is a trader's per-market position book entry.
type OpenOrders struct {
	PosSize      int64
	QuoteBalance int64
	RealizedPnl  int64
	FundingIndex int64
	CoinOnBids   uint64
	CoinOnAsks   uint64
}

// Control is the per-trader position account paired with a Margin.
type Control struct {
	Authority  solana.PublicKey
	Flags      uint8
	OpenOrders [MaxMarkets]OpenOrders
}

// DecodeControl parses a Control account.
func DecodeControl(data []byte) (*Control, error) {
	if err := checkAccount(data, controlDiscriminator, ControlSize, "control"); err != nil {
		return nil, err
	}
	c := &Control{}
	copy(c.Authority[:], data[8:40])
	c.Flags = data[40]
	for i := 0; i < MaxMarkets; i++ {
		rec := data[48+i*openOrdersRecordSize:]
		c.OpenOrders[i] = OpenOrders{
			PosSize:      int64(binary.LittleEndian.Uint64(rec[0:8])),
			QuoteBalance: int64(binary.LittleEndian.Uint64(rec[8:16])),
			RealizedPnl:  int64(binary.LittleEndian.Uint64(rec[16:24])),
			FundingIndex: int64(binary.LittleEndian.Uint64(rec[24:32])),
			CoinOnBids:   binary.LittleEndian.Uint64(rec[32:40]),
			CoinOnAsks:   binary.LittleEndian.Uint64(rec[40:48]),
		}
	}
	return c, nil
}

// Liquidated reports whether the program flagged this control during a
// liquidation.
func (c *Control) Liquidated() bool { return c.Flags&ControlFlagLiquidated != 0 }

// Bankrupt reports whether the program flagged this control as bankrupt.
func (c *Control) Bankrupt() bool { return c.Flags&ControlFlagBankrupt != 0 }

// QueueEvent is one decoded entry of a market's event queue, tagged with its
// absolute sequence number.
type QueueEvent struct {
	Seq          uint64
	Kind         uint8
	Side         uint8
	Maker        bool
	BaseSize     int64
	QuoteSize    int64
	Price        int64
	Control      solana.PublicKey
	Counterparty solana.PublicKey
}

// EventQueue is a decoded on-chain event queue: a ring buffer with an
// all-time sequence counter. Entries present cover sequence numbers
// [SeqNum-Count, SeqNum).
type EventQueue struct {
	Head     uint64
	Count    uint64
	SeqNum   uint64
	capacity uint64
	events   []QueueEvent
}

// DecodeEventQueue parses an event queue account. The ring capacity is
// derived from the account size.
func DecodeEventQueue(data []byte) (*EventQueue, error) {
	if err := checkAccount(data, eventQueueDiscriminator, queueHeaderSize, "event queue"); err != nil {
		return nil, err
	}
	q := &EventQueue{
		Head:   binary.LittleEndian.Uint64(data[8:16]),
		Count:  binary.LittleEndian.Uint64(data[16:24]),
		SeqNum: binary.LittleEndian.Uint64(data[24:32]),
	}
	q.capacity = uint64(len(data)-queueHeaderSize) / queueEventRecordSize
	if q.capacity == 0 {
		return nil, fmt.Errorf("event queue has no ring capacity")
	}
	if q.Count > q.capacity {
		return nil, fmt.Errorf("event queue count %d exceeds capacity %d", q.Count, q.capacity)
	}
	if q.Head >= q.capacity {
		return nil, fmt.Errorf("event queue head %d out of range", q.Head)
	}
	if q.Count > q.SeqNum {
		return nil, fmt.Errorf("event queue count %d exceeds seq %d", q.Count, q.SeqNum)
	}

	firstSeq := q.SeqNum - q.Count
	q.events = make([]QueueEvent, 0, q.Count)
	for i := uint64(0); i < q.Count; i++ {
		slot := (q.Head + i) % q.capacity
		rec := data[queueHeaderSize+slot*queueEventRecordSize:]
		ev := QueueEvent{
			Seq:       firstSeq + i,
			Kind:      rec[0],
			Side:      rec[1],
			Maker:     rec[2]&queueEventFlagMaker != 0,
			BaseSize:  int64(binary.LittleEndian.Uint64(rec[8:16])),
			QuoteSize: int64(binary.LittleEndian.Uint64(rec[16:24])),
			Price:     int64(binary.LittleEndian.Uint64(rec[24:32])),
		}
		copy(ev.Control[:], rec[32:64])
		copy(ev.Counterparty[:], rec[64:96])
		q.events = append(q.events, ev)
	}
	return q, nil
}

// FirstPendingSeq returns the sequence number of the oldest entry still in
// the queue. Equal to SeqNum when the queue is empty.
func (q *EventQueue) FirstPendingSeq() uint64 {
	return q.SeqNum - q.Count
}

// PendingAfter returns, in FIFO order, the entries with sequence numbers at
// or beyond seq.
func (q *EventQueue) PendingAfter(seq uint64) []QueueEvent {
	if len(q.events) == 0 {
		return nil
	}
	first := q.FirstPendingSeq()
	if seq < first {
		seq = first
	}
	if seq >= q.SeqNum {
		return nil
	}
	return q.events[seq-first:]
}
