package listener

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpkeeper/cache"
	"perpkeeper/gateway"
	"perpkeeper/internal/channel"
	"perpkeeper/models"
	"perpkeeper/solana"
)

func testKey(n byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = n
	return k
}

var (
	programKey = testKey(90)
	stateKey   = testKey(1)
	cacheKey   = testKey(2)
	btcQueue   = testKey(10)
	solQueue   = testKey(11)
	controlA   = testKey(40)
	controlB   = testKey(41)
	controlKey = testKey(60)
)

type fakeChain struct {
	mu       sync.Mutex
	accounts map[solana.PublicKey]*gateway.AccountInfo
	slot     uint64
}

func (f *fakeChain) SubscribeProgram(ctx context.Context, program solana.PublicKey) (*gateway.AccountSubscription, error) {
	return nil, errors.New("no websocket in unit tests")
}

func (f *fakeChain) SubscribeLogs(ctx context.Context, program solana.PublicKey) (*gateway.LogSubscription, error) {
	return nil, errors.New("no websocket in unit tests")
}

func (f *fakeChain) GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*gateway.AccountInfo, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]*gateway.AccountInfo, len(keys))
	for i, key := range keys {
		infos[i] = f.accounts[key]
	}
	return infos, f.slot, nil
}

func (f *fakeChain) setAccount(key solana.PublicKey, data []byte, slot uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[key] = &gateway.AccountInfo{Data: data, Slot: slot}
	if slot > f.slot {
		f.slot = slot
	}
}

func testState() *models.State {
	return &models.State{
		Authority: testKey(3),
		Cache:     cacheKey,
		Markets: []models.PerpMarket{
			{Symbol: "BTC-PERP", EventQueue: btcQueue, OracleIndex: 0, AssetDecimals: 9, BaseImf: 50_000, LastFundingTs: 1000},
			{Symbol: "SOL-PERP", EventQueue: solQueue, OracleIndex: 1, AssetDecimals: 9, BaseImf: 100_000, LastFundingTs: 2000},
		},
		Collaterals: []models.Collateral{
			{Symbol: "USDC", Mint: testKey(20), OracleIndex: 0, Decimals: 6, Weight: 100},
		},
	}
}

func testCacheAccount() *models.Cache {
	return &models.Cache{
		Oracles: []models.Oracle{
			{Symbol: "BTC", Price: 65_000_000_000_000, Twap: 64_900_000_000_000, LastSlot: 40, LastTs: 500},
			{Symbol: "SOL", Price: 150_000_000_000, Twap: 149_000_000_000, LastSlot: 40, LastTs: 600},
		},
	}
}

func newTestListener(t *testing.T, logSinks ...LogSink) (*Listener, *fakeChain, *cache.Store, *channel.Channels) {
	t.Helper()

	chain := &fakeChain{accounts: make(map[solana.PublicKey]*gateway.AccountInfo)}
	chain.setAccount(stateKey, models.EncodeState(testState()), 50)
	chain.setAccount(cacheKey, models.EncodeCache(testCacheAccount()), 50)

	store := cache.New(chain, cache.Config{})
	store.Track(stateKey, func(data []byte) error {
		_, err := models.DecodeState(data)
		return err
	})
	store.Track(cacheKey, func(data []byte) error {
		_, err := models.DecodeCache(data)
		return err
	})
	store.Update(stateKey.String(), models.EncodeState(testState()), 50)
	store.Update(cacheKey.String(), models.EncodeCache(testCacheAccount()), 50)

	channels := channel.NewChannels(64, 64)
	l := NewListener(Config{Program: programKey}, chain, store, channels, stateKey, cacheKey, logSinks...)
	l.diff.observeState(testState())
	return l, chain, store, channels
}

func drainEvents(c *channel.Channels) []models.DomainEvent {
	var out []models.DomainEvent
	for {
		select {
		case ev := <-c.Events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func update(key solana.PublicKey, data []byte, slot uint64) models.AccountUpdate {
	return models.AccountUpdate{Key: key.String(), Data: data, Slot: slot, ReceivedAt: time.Now().UTC()}
}

func TestApplyUpdateDedupsBySlot(t *testing.T) {
	l, _, store, channels := newTestListener(t)
	ctx := context.Background()

	empty := models.EncodeEventQueue(2, 10, 8, nil)
	l.applyUpdate(ctx, update(btcQueue, empty, 50))
	if events := drainEvents(channels); len(events) != 0 {
		t.Fatalf("first sight of an account must not emit, got %d events", len(events))
	}

	withFill := models.EncodeEventQueue(2, 11, 8, []models.QueueEvent{{
		Seq: 10, Kind: models.QueueEventFill, BaseSize: 1, QuoteSize: 1, Price: 1, Control: controlA,
	}})

	// same slot and an older slot are replays, not new information
	l.applyUpdate(ctx, update(btcQueue, withFill, 50))
	l.applyUpdate(ctx, update(btcQueue, withFill, 49))
	if events := drainEvents(channels); len(events) != 0 {
		t.Fatalf("replayed slots must not emit, got %d events", len(events))
	}
	if l.updatesStale != 2 {
		t.Fatalf("updatesStale = %d, want 2", l.updatesStale)
	}

	l.applyUpdate(ctx, update(btcQueue, withFill, 51))
	events := drainEvents(channels)
	if len(events) != 1 || events[0].Kind != models.EventTradeFill {
		t.Fatalf("expected one fill after the slot advanced, got %+v", events)
	}
	if snap, _ := store.Get(btcQueue.String()); snap.Slot != 51 {
		t.Fatalf("store slot = %d, want 51", snap.Slot)
	}
}

func TestQueueDiffEmitsFills(t *testing.T) {
	l, _, _, channels := newTestListener(t)
	ctx := context.Background()

	l.applyUpdate(ctx, update(btcQueue, models.EncodeEventQueue(2, 10, 8, nil), 50))
	drainEvents(channels)

	entries := []models.QueueEvent{
		{Seq: 10, Kind: models.QueueEventFill, Side: 0, Maker: true, BaseSize: 1_500_000_000, QuoteSize: 97_500_000_000, Price: 65_000_000_000_000, Control: controlA, Counterparty: controlB},
		{Seq: 11, Kind: models.QueueEventFill, Side: 1, BaseSize: 2_000_000_000, QuoteSize: 130_000_000_000, Price: 65_000_000_000_000, Control: controlB, Counterparty: controlA},
		{Seq: 12, Kind: models.QueueEventOut, Control: controlA},
	}
	l.applyUpdate(ctx, update(btcQueue, models.EncodeEventQueue(2, 13, 8, entries), 55))

	events := drainEvents(channels)
	if len(events) != 2 {
		t.Fatalf("expected two fills, order removals carry no fill, got %d events", len(events))
	}

	first := events[0]
	if first.Kind != models.EventTradeFill || first.Market != "BTC-PERP" || first.Seq != 10 {
		t.Fatalf("unexpected first fill: %+v", first)
	}
	if first.Side != "bid" || !first.IsMaker {
		t.Fatalf("side/maker wrong: %+v", first)
	}
	if first.Account != controlA.String() {
		t.Fatalf("fill account = %s, want control A", first.Account)
	}
	if !first.Price.Equal(decimal.RequireFromString("65000")) {
		t.Fatalf("price = %s, want 65000", first.Price)
	}
	if !first.Size.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("size = %s, want 1.5", first.Size)
	}
	if !first.QuoteAmount.Equal(decimal.RequireFromString("97500")) {
		t.Fatalf("quote = %s, want 97500", first.QuoteAmount)
	}
	if second := events[1]; second.Side != "ask" || second.Seq != 11 {
		t.Fatalf("unexpected second fill: %+v", second)
	}
}

func TestQueueDiffReportsLostWindow(t *testing.T) {
	l, _, _, channels := newTestListener(t)
	ctx := context.Background()

	l.applyUpdate(ctx, update(btcQueue, models.EncodeEventQueue(2, 10, 8, nil), 50))
	drainEvents(channels)

	// sequences 10 and 11 were consumed before this image arrived
	entries := []models.QueueEvent{
		{Seq: 12, Kind: models.QueueEventFill, BaseSize: 1_000_000_000, QuoteSize: 65_000_000_000, Price: 65_000_000_000_000, Control: controlA},
		{Seq: 13, Kind: models.QueueEventFill, BaseSize: 1_000_000_000, QuoteSize: 65_000_000_000, Price: 65_000_000_000_000, Control: controlB},
	}
	l.applyUpdate(ctx, update(btcQueue, models.EncodeEventQueue(4, 14, 8, entries), 60))

	events := drainEvents(channels)
	if len(events) != 3 {
		t.Fatalf("expected a loss report plus two fills, got %d events", len(events))
	}
	diag := events[0]
	if diag.Kind != models.EventDiagnostic || diag.Market != "BTC-PERP" || diag.Seq != 10 {
		t.Fatalf("unexpected diagnostic: %+v", diag)
	}
	if !strings.Contains(diag.Note, "2 queue entries") {
		t.Fatalf("diagnostic should count the lost entries: %q", diag.Note)
	}
	if events[1].Seq != 12 || events[2].Seq != 13 {
		t.Fatalf("fills out of order: %d %d", events[1].Seq, events[2].Seq)
	}
}

func TestControlDiffFlagsAndPnl(t *testing.T) {
	l, _, _, channels := newTestListener(t)
	ctx := context.Background()

	before := &models.Control{Authority: testKey(61)}
	before.OpenOrders[0].RealizedPnl = 1_000_000
	l.applyUpdate(ctx, update(controlKey, models.EncodeControl(before), 50))
	drainEvents(channels)

	after := &models.Control{Authority: testKey(61), Flags: models.ControlFlagLiquidated}
	after.OpenOrders[0].RealizedPnl = 5_500_000
	l.applyUpdate(ctx, update(controlKey, models.EncodeControl(after), 55))

	events := drainEvents(channels)
	if len(events) != 2 {
		t.Fatalf("expected liquidation plus pnl change, got %d events", len(events))
	}
	liq := events[0]
	if liq.Kind != models.EventLiquidation || liq.Account != controlKey.String() || liq.Slot != 55 {
		t.Fatalf("unexpected liquidation event: %+v", liq)
	}
	pnl := events[1]
	if pnl.Kind != models.EventRealizedPnl || pnl.Market != "BTC-PERP" {
		t.Fatalf("unexpected pnl event: %+v", pnl)
	}
	if !pnl.RealizedPnl.Equal(decimal.RequireFromString("4.5")) {
		t.Fatalf("pnl delta = %s, want 4.5", pnl.RealizedPnl)
	}
	if !pnl.Balance.Equal(decimal.RequireFromString("5.5")) {
		t.Fatalf("pnl balance = %s, want 5.5", pnl.Balance)
	}

	// the flag is level-triggered; an unchanged flag re-emits nothing
	l.applyUpdate(ctx, update(controlKey, models.EncodeControl(after), 56))
	if events := drainEvents(channels); len(events) != 0 {
		t.Fatalf("unchanged control re-emitted %d events", len(events))
	}
}

func TestStateDiffEmitsFunding(t *testing.T) {
	l, _, _, channels := newTestListener(t)
	ctx := context.Background()

	l.applyUpdate(ctx, update(stateKey, models.EncodeState(testState()), 51))
	drainEvents(channels)

	next := testState()
	next.Markets[0].FundingIndex = 2_500_000_000
	next.Markets[0].LastFundingTs = 1060
	l.applyUpdate(ctx, update(stateKey, models.EncodeState(next), 60))

	events := drainEvents(channels)
	if len(events) != 1 {
		t.Fatalf("expected one funding event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != models.EventFunding || ev.Market != "BTC-PERP" || ev.Slot != 60 {
		t.Fatalf("unexpected funding event: %+v", ev)
	}
	if !ev.FundingIndex.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("funding index = %s, want 2.5", ev.FundingIndex)
	}
	if !ev.MarkTwap.Equal(decimal.RequireFromString("64900")) {
		t.Fatalf("mark twap = %s, want 64900", ev.MarkTwap)
	}
}

func TestReconcileRoutesThroughIngest(t *testing.T) {
	l, chain, _, channels := newTestListener(t)
	ctx := context.Background()

	l.applyUpdate(ctx, update(stateKey, models.EncodeState(testState()), 50))
	l.applyUpdate(ctx, update(cacheKey, models.EncodeCache(testCacheAccount()), 50))
	drainEvents(channels)

	advanced := testState()
	advanced.Markets[1].FundingIndex = 7_000_000_000
	chain.setAccount(stateKey, models.EncodeState(advanced), 70)
	chain.setAccount(cacheKey, models.EncodeCache(testCacheAccount()), 70)

	l.reconcile(ctx, "session start")

	// drive what the ingest worker would do
	for {
		select {
		case u := <-channels.Updates:
			l.applyUpdate(ctx, u)
			continue
		default:
		}
		break
	}

	events := drainEvents(channels)
	var sawFunding, sawDiag bool
	for _, ev := range events {
		switch ev.Kind {
		case models.EventFunding:
			if ev.Market == "SOL-PERP" {
				sawFunding = true
			}
		case models.EventDiagnostic:
			if strings.Contains(ev.Note, "session start") {
				sawDiag = true
			}
		}
	}
	if !sawFunding {
		t.Fatalf("reconcile missed the funding change, events: %+v", events)
	}
	if !sawDiag {
		t.Fatalf("reconcile should mark the seam with a diagnostic")
	}
}

type fakeLogSink struct {
	mu      sync.Mutex
	batches [][]models.LogLine
	err     error
}

func (s *fakeLogSink) SaveLogs(ctx context.Context, lines []models.LogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]models.LogLine(nil), lines...))
	return nil
}

func (s *fakeLogSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestForwardLogsDeliversToSinks(t *testing.T) {
	sink := &fakeLogSink{}
	l, _, _, _ := newTestListener(t, sink)

	lines := []models.LogLine{
		{Signature: "sig1", Slot: 70, Line: "Program log: crank"},
		{Signature: "sig2", Slot: 71, Line: "Program log: consume"},
	}
	l.forwardLogs(context.Background(), lines)

	if sink.count() != 1 || len(sink.batches[0]) != 2 {
		t.Fatalf("unexpected batches: %+v", sink.batches)
	}
	if sink.batches[0][1].Signature != "sig2" {
		t.Fatalf("order lost: %+v", sink.batches[0])
	}
	if l.logsForwarded != 2 {
		t.Fatalf("logsForwarded = %d, want 2", l.logsForwarded)
	}
}

func TestForwardLogsIsolatesSinkFailure(t *testing.T) {
	broken := &fakeLogSink{err: errors.New("connection refused")}
	healthy := &fakeLogSink{}
	l, _, _, _ := newTestListener(t, broken, healthy)

	l.forwardLogs(context.Background(), []models.LogLine{{Signature: "sig", Slot: 70, Line: "Program log: ok"}})

	if healthy.count() != 1 {
		t.Fatalf("healthy sink batches = %d, want 1", healthy.count())
	}
	if l.logsForwarded != 1 {
		t.Fatalf("logsForwarded = %d, want 1", l.logsForwarded)
	}
}

func TestForwardLogsWithoutSinksIsNoop(t *testing.T) {
	l, _, _, _ := newTestListener(t)

	l.forwardLogs(context.Background(), []models.LogLine{{Signature: "sig", Slot: 70, Line: "x"}})

	if l.logsForwarded != 0 {
		t.Fatalf("logsForwarded = %d, want 0", l.logsForwarded)
	}
}
