package listener

import (
	"fmt"

	"perpkeeper/cache"
	"perpkeeper/models"
)

// marketMeta is the per-market context needed to label derived events.
type marketMeta struct {
	Symbol        string
	Index         int
	OracleIndex   int
	AssetDecimals int
}

// differ turns consecutive images of one account into domain events. It
// carries the market metadata learned from the state account so fills and
// pnl changes can be labeled with their market.
type differ struct {
	accounts *cache.Store
	cacheKey string

	byQueue  map[string]marketMeta
	byIndex  map[int]marketMeta
	bySymbol map[string]marketMeta
}

func newDiffer(accounts *cache.Store, cacheKey string) *differ {
	return &differ{
		accounts: accounts,
		cacheKey: cacheKey,
		byQueue:  make(map[string]marketMeta),
		byIndex:  make(map[int]marketMeta),
		bySymbol: make(map[string]marketMeta),
	}
}

// observeState refreshes the market metadata from a state image.
func (d *differ) observeState(s *models.State) {
	for i, m := range s.Markets {
		meta := marketMeta{
			Symbol:        m.Symbol,
			Index:         i,
			OracleIndex:   m.OracleIndex,
			AssetDecimals: m.AssetDecimals,
		}
		d.byQueue[m.EventQueue.String()] = meta
		d.byIndex[i] = meta
		d.bySymbol[m.Symbol] = meta
	}
}

// markTwap looks up the current mark TWAP for a market from the cached
// oracle slot, zero when unavailable.
func (d *differ) markTwap(meta marketMeta) (twap models.Oracle, ok bool) {
	snap, found := d.accounts.Get(d.cacheKey)
	if !found || snap.Corrupt {
		return models.Oracle{}, false
	}
	c, err := models.DecodeCache(snap.Data)
	if err != nil {
		return models.Oracle{}, false
	}
	return c.Oracle(meta.OracleIndex)
}

// diff derives the domain events implied by replacing prev with the new
// image. prev is nil on first sight of an account, which yields no events:
// there is no change to describe yet.
func (d *differ) diff(key string, prev []byte, update models.AccountUpdate) []models.DomainEvent {
	switch models.KindOf(update.Data) {
	case models.AccountState:
		return d.diffState(prev, update)
	case models.AccountControl:
		return d.diffControl(key, prev, update)
	case models.AccountEventQueue:
		return d.diffQueue(key, prev, update)
	}
	return nil
}

func (d *differ) diffState(prev []byte, update models.AccountUpdate) []models.DomainEvent {
	next, err := models.DecodeState(update.Data)
	if err != nil {
		return nil
	}
	d.observeState(next)
	if prev == nil {
		return nil
	}
	before, err := models.DecodeState(prev)
	if err != nil {
		return nil
	}

	var events []models.DomainEvent
	for i, m := range next.Markets {
		if i >= len(before.Markets) {
			continue
		}
		old := before.Markets[i]
		if m.FundingIndex == old.FundingIndex && m.LastFundingTs == old.LastFundingTs {
			continue
		}
		ev := models.NewEvent(models.EventFunding, m.Symbol, update.Slot)
		ev.FundingIndex = models.FundingFromFixed(m.FundingIndex)
		if oracle, ok := d.markTwap(d.bySymbol[m.Symbol]); ok {
			ev.MarkTwap = models.PriceFromFixed(oracle.Twap)
		}
		events = append(events, ev)
	}
	return events
}

func (d *differ) diffControl(key string, prev []byte, update models.AccountUpdate) []models.DomainEvent {
	if prev == nil {
		return nil
	}
	next, err := models.DecodeControl(update.Data)
	if err != nil {
		return nil
	}
	before, err := models.DecodeControl(prev)
	if err != nil {
		return nil
	}

	var events []models.DomainEvent
	if !before.Liquidated() && next.Liquidated() {
		ev := models.NewEvent(models.EventLiquidation, "", update.Slot)
		ev.Account = key
		ev.Note = "control flagged liquidated"
		events = append(events, ev)
	}
	if !before.Bankrupt() && next.Bankrupt() {
		ev := models.NewEvent(models.EventBankruptcy, "", update.Slot)
		ev.Account = key
		ev.Note = "control flagged bankrupt"
		events = append(events, ev)
	}
	for i := range next.OpenOrders {
		delta := next.OpenOrders[i].RealizedPnl - before.OpenOrders[i].RealizedPnl
		if delta == 0 {
			continue
		}
		meta, ok := d.byIndex[i]
		if !ok {
			continue
		}
		ev := models.NewEvent(models.EventRealizedPnl, meta.Symbol, update.Slot)
		ev.Account = key
		ev.RealizedPnl = models.UsdFromNative(delta)
		ev.Balance = models.UsdFromNative(next.OpenOrders[i].RealizedPnl)
		events = append(events, ev)
	}
	return events
}

// diffQueue derives a trade fill per queue entry that appeared since the
// previous image. Entries that rotated out of the ring between the two
// images were consumed unseen; that loss is reported, not silently skipped.
func (d *differ) diffQueue(key string, prev []byte, update models.AccountUpdate) []models.DomainEvent {
	next, err := models.DecodeEventQueue(update.Data)
	if err != nil {
		return nil
	}
	meta, known := d.byQueue[key]
	if !known {
		return nil
	}
	if prev == nil {
		return nil
	}
	before, err := models.DecodeEventQueue(prev)
	if err != nil {
		return nil
	}
	if next.SeqNum <= before.SeqNum {
		return nil
	}

	var events []models.DomainEvent
	from := before.SeqNum
	if first := next.FirstPendingSeq(); first > from {
		missed := first - from
		ev := models.NewEvent(models.EventDiagnostic, meta.Symbol, update.Slot)
		ev.Seq = from
		ev.Note = fmt.Sprintf("%d queue entries consumed before they were observed", missed)
		events = append(events, ev)
		from = first
	}

	for _, entry := range next.PendingAfter(from) {
		if entry.Kind != models.QueueEventFill {
			continue
		}
		ev := models.NewEvent(models.EventTradeFill, meta.Symbol, update.Slot)
		ev.Account = entry.Control.String()
		ev.Seq = entry.Seq
		ev.IsMaker = entry.Maker
		if entry.Side == 0 {
			ev.Side = "bid"
		} else {
			ev.Side = "ask"
		}
		ev.Price = models.PriceFromFixed(entry.Price)
		ev.Size = models.NativeToDecimal(entry.BaseSize, meta.AssetDecimals)
		ev.QuoteAmount = models.UsdFromNative(entry.QuoteSize)
		events = append(events, ev)
	}
	return events
}
