package consumer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"perpkeeper/cache"
	"perpkeeper/gateway"
	"perpkeeper/models"
	"perpkeeper/program"
	"perpkeeper/solana"
)

func testKey(n byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = n
	return k
}

var (
	stateKey  = testKey(1)
	cacheKey  = testKey(2)
	btcQueue  = testKey(10)
	solQueue  = testKey(11)
	controlA  = testKey(40)
	controlB  = testKey(41)
	controlC  = testKey(42)
	controlD  = testKey(43)
	consumeID = program.InstructionID("consume_events")
	pnlID     = program.InstructionID("crank_pnl")
)

type fakeChain struct {
	mu        sync.Mutex
	submits   [][]solana.Instruction
	submitErr error
	accounts  map[solana.PublicKey]*gateway.AccountInfo
}

func (f *fakeChain) Submit(ctx context.Context, payer solana.PrivateKey, instructions []solana.Instruction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, instructions)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return fmt.Sprintf("sig-%d", len(f.submits)), nil
}

func (f *fakeChain) GetAccountInfo(ctx context.Context, key solana.PublicKey) (*gateway.AccountInfo, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.accounts[key]
	if !ok {
		return nil, 0, nil
	}
	return info, info.Slot, nil
}

func (f *fakeChain) GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*gateway.AccountInfo, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]*gateway.AccountInfo, len(keys))
	for i, key := range keys {
		infos[i] = f.accounts[key]
	}
	return infos, 0, nil
}

func (f *fakeChain) setAccount(key solana.PublicKey, data []byte, slot uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[key] = &gateway.AccountInfo{Data: data, Slot: slot}
}

func (f *fakeChain) submitted() [][]solana.Instruction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]solana.Instruction(nil), f.submits...)
}

func discriminatorOf(instr solana.Instruction) [8]byte {
	var d [8]byte
	copy(d[:], instr.Data[:8])
	return d
}

func fill(seq uint64, control, counterparty solana.PublicKey) models.QueueEvent {
	return models.QueueEvent{
		Seq:          seq,
		Kind:         models.QueueEventFill,
		BaseSize:     1_000_000,
		QuoteSize:    65_000_000,
		Price:        65_000_000_000,
		Control:      control,
		Counterparty: counterparty,
	}
}

func queueData(seqNum uint64, events []models.QueueEvent) []byte {
	head := uint64(0)
	if len(events) > 0 {
		head = events[0].Seq % 8
	}
	return models.EncodeEventQueue(head, seqNum, 8, events)
}

func testState() *models.State {
	return &models.State{
		Authority: testKey(3),
		Cache:     cacheKey,
		Markets: []models.PerpMarket{
			{Symbol: "BTC-PERP", EventQueue: btcQueue, AssetDecimals: 9, BaseImf: 50_000},
			{Symbol: "SOL-PERP", EventQueue: solQueue, AssetDecimals: 9, BaseImf: 100_000},
		},
		Collaterals: []models.Collateral{
			{Symbol: "USDC", Mint: testKey(20), Decimals: 6, Weight: 100},
		},
	}
}

func newTestConsumer(t *testing.T, cfg Config) (*Consumer, *fakeChain, *cache.Store) {
	t.Helper()

	chain := &fakeChain{accounts: make(map[solana.PublicKey]*gateway.AccountInfo)}
	chain.setAccount(stateKey, models.EncodeState(testState()), 50)

	store := cache.New(chain, cache.Config{})
	store.Track(stateKey, func(data []byte) error {
		_, err := models.DecodeState(data)
		return err
	})
	store.Update(stateKey.String(), models.EncodeState(testState()), 50)

	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	payer := solana.PrivateKey(ed25519.NewKeyFromSeed(seed[:]))
	builder := program.NewBuilder(testKey(90), stateKey, testKey(91), cacheKey, payer.PublicKey())

	return NewConsumer(cfg, chain, builder, store, payer, stateKey), chain, store
}

func setQueue(chain *fakeChain, store *cache.Store, queue solana.PublicKey, data []byte, slot uint64) {
	chain.setAccount(queue, data, slot)
	store.Track(queue, func(d []byte) error {
		_, err := models.DecodeEventQueue(d)
		return err
	})
	store.Update(queue.String(), data, slot)
}

func TestConsumeAdvancesCursorAfterConfirmation(t *testing.T) {
	c, chain, store := newTestConsumer(t, Config{})
	ctx := context.Background()

	pendingBefore := []models.QueueEvent{
		fill(10, controlA, controlB),
		fill(11, controlA, controlB),
		fill(12, controlB, controlA),
	}
	setQueue(chain, store, btcQueue, queueData(13, pendingBefore), 50)
	setQueue(chain, store, solQueue, queueData(5, nil), 50)
	// the chain view after consumption: drained through seq 13
	chain.setAccount(btcQueue, queueData(13, nil), 60)

	c.scanOnce(ctx)

	submits := chain.submitted()
	if len(submits) != 2 {
		t.Fatalf("expected consume then pnl crank, got %d submissions", len(submits))
	}
	if discriminatorOf(submits[0][0]) != consumeID {
		t.Fatalf("first submission is not consume_events")
	}
	if discriminatorOf(submits[1][0]) != pnlID {
		t.Fatalf("followup submission is not crank_pnl")
	}

	m := c.markets["BTC-PERP"]
	if m.cursor != 13 {
		t.Fatalf("cursor = %d, want 13", m.cursor)
	}

	// the refetch feeds the store
	snap, ok := store.Get(btcQueue.String())
	if !ok || snap.Slot != 60 {
		t.Fatalf("store should hold the post-consume queue image")
	}

	// nothing pending, nothing to do
	c.scanOnce(ctx)
	if got := len(chain.submitted()); got != 2 {
		t.Fatalf("empty queue should not trigger submissions, got %d", got)
	}
}

func TestConsumeHoldsCursorOnFailure(t *testing.T) {
	c, chain, store := newTestConsumer(t, Config{})
	ctx := context.Background()

	setQueue(chain, store, btcQueue, queueData(12, []models.QueueEvent{fill(10, controlA, controlB), fill(11, controlB, controlA)}), 50)
	setQueue(chain, store, solQueue, queueData(5, nil), 50)
	chain.submitErr = &gateway.TransportError{Op: "send", Err: errors.New("rpc down")}

	c.scanOnce(ctx)

	m := c.markets["BTC-PERP"]
	if m.cursor != 10 {
		t.Fatalf("cursor moved to %d on a failed consume", m.cursor)
	}
	if m.nextAttempt.IsZero() {
		t.Fatalf("failed market should be backing off")
	}
	if got := len(chain.submitted()); got != 1 {
		t.Fatalf("no pnl crank may follow a failed consume, got %d submissions", got)
	}

	// still backing off: the market is skipped entirely
	c.scanOnce(ctx)
	if got := len(chain.submitted()); got != 1 {
		t.Fatalf("backoff window ignored, got %d submissions", got)
	}
}

func TestConsumeFollowsForeignDrain(t *testing.T) {
	c, chain, store := newTestConsumer(t, Config{})
	ctx := context.Background()

	setQueue(chain, store, btcQueue, queueData(12, []models.QueueEvent{fill(10, controlA, controlB), fill(11, controlB, controlA)}), 50)
	setQueue(chain, store, solQueue, queueData(5, nil), 50)
	// submission fails, but another keeper already drained the queue
	chain.submitErr = &gateway.ConfirmationTimeoutError{Signature: "sig-x", Waited: time.Second}
	chain.setAccount(btcQueue, queueData(12, nil), 61)

	c.scanOnce(ctx)

	m := c.markets["BTC-PERP"]
	if m.cursor != 12 {
		t.Fatalf("cursor = %d, want 12 after observing the drained queue", m.cursor)
	}
	if !m.nextAttempt.IsZero() {
		t.Fatalf("externally drained market must not back off")
	}
	if got := len(chain.submitted()); got != 1 {
		t.Fatalf("no pnl crank for events another keeper applied, got %d submissions", got)
	}
}

func TestCorruptQueueSkipsOnlyThatMarket(t *testing.T) {
	c, chain, store := newTestConsumer(t, Config{})
	ctx := context.Background()

	setQueue(chain, store, btcQueue, queueData(12, []models.QueueEvent{fill(10, controlA, controlB)}), 50)
	setQueue(chain, store, solQueue, queueData(7, []models.QueueEvent{fill(6, controlC, controlD)}), 50)
	store.MarkCorrupt(btcQueue.String(), "short account data")
	chain.setAccount(solQueue, queueData(7, nil), 60)

	c.scanOnce(ctx)

	submits := chain.submitted()
	if len(submits) != 2 {
		t.Fatalf("healthy market should drain, got %d submissions", len(submits))
	}
	// the consume instruction targets the SOL queue
	if got := submits[0][0].Accounts[3].PubKey; got != solQueue {
		t.Fatalf("consume targeted %v, want the SOL queue", got)
	}
	if c.markets["BTC-PERP"].cursor != 0 {
		t.Fatalf("corrupt market cursor should stay untouched")
	}
}

func TestMaxWaitForcesConsumption(t *testing.T) {
	c, chain, store := newTestConsumer(t, Config{MaxQueueLength: 5, MaxWait: time.Minute})
	ctx := context.Background()

	setQueue(chain, store, btcQueue, queueData(12, []models.QueueEvent{fill(10, controlA, controlB), fill(11, controlB, controlA)}), 50)
	setQueue(chain, store, solQueue, queueData(5, nil), 50)
	chain.setAccount(btcQueue, queueData(12, nil), 60)

	// two pending is below the threshold of five
	c.scanOnce(ctx)
	if got := len(chain.submitted()); got != 0 {
		t.Fatalf("below threshold and not overdue, got %d submissions", got)
	}

	c.markets["BTC-PERP"].lastDrained = time.Now().Add(-2 * time.Minute)
	c.scanOnce(ctx)
	if got := len(chain.submitted()); got != 2 {
		t.Fatalf("overdue queue should drain regardless of threshold, got %d submissions", got)
	}
}

func TestControlCapLimitsBatch(t *testing.T) {
	c, chain, store := newTestConsumer(t, Config{MaxControls: 2})
	ctx := context.Background()

	pending := []models.QueueEvent{
		fill(10, controlA, controlB),
		fill(11, controlB, controlA),
		fill(12, controlC, controlD),
	}
	setQueue(chain, store, btcQueue, queueData(13, pending), 50)
	setQueue(chain, store, solQueue, queueData(5, nil), 50)
	chain.setAccount(btcQueue, queueData(13, pending[2:]), 60)

	c.scanOnce(ctx)

	submits := chain.submitted()
	if len(submits) != 2 {
		t.Fatalf("expected consume then pnl crank, got %d submissions", len(submits))
	}
	consume := submits[0][0]
	// fixed accounts plus exactly the two parties that fit
	if got := len(consume.Accounts); got != 6 {
		t.Fatalf("instruction carries %d account metas, want 6", got)
	}
	if consume.Accounts[4].PubKey != controlA || consume.Accounts[5].PubKey != controlB {
		t.Fatalf("unexpected parties: %v %v", consume.Accounts[4].PubKey, consume.Accounts[5].PubKey)
	}
	// limit field covers only the first two events
	if limit := consume.Data[10]; limit != 2 {
		t.Fatalf("consume limit = %d, want 2", limit)
	}
	if m := c.markets["BTC-PERP"]; m.cursor != 12 {
		t.Fatalf("cursor = %d, want 12 with the third event still pending", m.cursor)
	}
}

func TestShardFilterSkipsUnownedQueues(t *testing.T) {
	c, chain, store := newTestConsumer(t, Config{ShardModulus: 2, ShardRemainder: 0})
	ctx := context.Background()

	// btcQueue byte sum is even, solQueue odd: only BTC belongs to shard 0
	setQueue(chain, store, btcQueue, queueData(11, []models.QueueEvent{fill(10, controlA, controlB)}), 50)
	setQueue(chain, store, solQueue, queueData(21, []models.QueueEvent{fill(20, controlC, controlD)}), 50)
	chain.setAccount(btcQueue, queueData(11, nil), 60)

	c.scanOnce(ctx)

	submits := chain.submitted()
	if len(submits) != 2 {
		t.Fatalf("expected one consume and one pnl crank, got %d submissions", len(submits))
	}
	if got := submits[0][0].Accounts[3].PubKey; got != btcQueue {
		t.Fatalf("consumed queue = %s, want %s", got, btcQueue)
	}
	if _, ok := c.markets["SOL-PERP"]; ok {
		t.Fatal("unowned market should not be tracked")
	}
}

func TestMarketAllowListRestrictsDraining(t *testing.T) {
	c, chain, store := newTestConsumer(t, Config{Markets: []string{"SOL-PERP"}})
	ctx := context.Background()

	setQueue(chain, store, btcQueue, queueData(11, []models.QueueEvent{fill(10, controlA, controlB)}), 50)
	setQueue(chain, store, solQueue, queueData(21, []models.QueueEvent{fill(20, controlC, controlD)}), 50)
	chain.setAccount(solQueue, queueData(21, nil), 60)

	c.scanOnce(ctx)

	submits := chain.submitted()
	if len(submits) != 2 {
		t.Fatalf("expected one consume and one pnl crank, got %d submissions", len(submits))
	}
	if got := submits[0][0].Accounts[3].PubKey; got != solQueue {
		t.Fatalf("consumed queue = %s, want %s", got, solQueue)
	}
}
