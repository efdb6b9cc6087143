// Package consumer drains the markets' on-chain event queues and settles
// realized pnl for the traders whose events were applied.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"perpkeeper/cache"
	"perpkeeper/gateway"
	"perpkeeper/logger"
	"perpkeeper/models"
	"perpkeeper/program"
	"perpkeeper/solana"
)

type chainClient interface {
	Submit(ctx context.Context, payer solana.PrivateKey, instructions []solana.Instruction) (string, error)
	GetAccountInfo(ctx context.Context, key solana.PublicKey) (*gateway.AccountInfo, uint64, error)
}

// Config controls queue draining.
type Config struct {
	ScanInterval time.Duration
	// ToConsume caps events applied per consume_events call.
	ToConsume int
	// MaxQueueLength is the pending-entry threshold that triggers a consume.
	MaxQueueLength int
	// MaxWait forces a consume of any nonempty queue regardless of threshold.
	MaxWait time.Duration
	// MaxControls caps trader control accounts per instruction; events whose
	// parties do not fit wait for the next pass.
	MaxControls int

	// Markets restricts draining to the named markets. Empty means every
	// market in the state account.
	Markets []string

	// ShardModulus/ShardRemainder split the market set across consumer
	// instances by event queue key. An instance owns the queues whose byte
	// sum falls in its remainder class.
	ShardModulus   int
	ShardRemainder int
}

func (c *Config) allowedMarket(symbol string) bool {
	if len(c.Markets) == 0 {
		return true
	}
	for _, m := range c.Markets {
		if m == symbol {
			return true
		}
	}
	return false
}

func (c *Config) ownsQueue(key solana.PublicKey) bool {
	sum := 0
	for _, b := range key {
		sum += int(b)
	}
	return sum%c.ShardModulus == c.ShardRemainder
}

func (c *Config) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 500 * time.Millisecond
	}
	if c.ToConsume <= 0 {
		c.ToConsume = 32
	}
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = 1
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Minute
	}
	if c.MaxControls <= 0 {
		c.MaxControls = 8
	}
	if c.ShardModulus <= 0 {
		c.ShardModulus = 1
	}
}

// marketCursor is one market's consumption state. cursor is the next
// sequence number the consumer expects to drain; it only moves forward on
// on-chain evidence of consumption.
type marketCursor struct {
	symbol      string
	index       int
	queue       solana.PublicKey
	cursor      uint64
	adopted     bool
	lastDrained time.Time
	backoff     *backoff.Backoff
	nextAttempt time.Time
}

// Consumer walks the live markets and keeps their event queues short. Each
// market is drained strictly in sequence order: one consume at a time, and
// the cursor advances only after the chain confirms the queue moved.
type Consumer struct {
	config   Config
	chain    chainClient
	builder  *program.Builder
	accounts *cache.Store
	payer    solana.PrivateKey
	stateKey solana.PublicKey

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	markets map[string]*marketCursor

	eventsConsumed  int64
	consumesFailed  int64
	cursorJumps     int64
	pnlCranksFailed int64
}

// NewConsumer wires a Consumer. accounts must be tracking stateKey and the
// markets' event queues.
func NewConsumer(cfg Config, chain chainClient, builder *program.Builder, accounts *cache.Store, payer solana.PrivateKey, stateKey solana.PublicKey) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		config:   cfg,
		chain:    chain,
		builder:  builder,
		accounts: accounts,
		payer:    payer,
		stateKey: stateKey,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		markets:  make(map[string]*marketCursor),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("consumer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting event consumer")

	c.wg.Add(1)
	go c.scanLoop()
	go c.metricsReporter(ctx)

	log.Info("event consumer started")
	return nil
}

func (c *Consumer) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("consumer").Info("stopping event consumer")
	c.wg.Wait()
	c.log.WithComponent("consumer").Info("event consumer stopped")
}

func (c *Consumer) scanLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.ScanInterval)
	defer ticker.Stop()

	log := c.log.WithComponent("consumer")
	for {
		select {
		case <-c.ctx.Done():
			log.Info("scan loop stopped due to context cancellation")
			return
		case <-ticker.C:
			c.scanOnce(c.ctx)
		}
	}
}

// scanOnce walks every live market once, in state order.
func (c *Consumer) scanOnce(ctx context.Context) {
	snap, ok := c.accounts.Get(c.stateKey.String())
	if !ok || snap.Corrupt {
		return
	}
	state, err := models.DecodeState(snap.Data)
	if err != nil {
		return
	}

	for i, market := range state.Markets {
		if !c.config.allowedMarket(market.Symbol) || !c.config.ownsQueue(market.EventQueue) {
			continue
		}
		m := c.ensureMarket(market.Symbol, i, market.EventQueue)
		c.drainMarket(ctx, m)
	}
}

func (c *Consumer) ensureMarket(symbol string, index int, queue solana.PublicKey) *marketCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markets[symbol]
	if !ok {
		m = &marketCursor{
			symbol:      symbol,
			lastDrained: time.Now(),
			backoff: &backoff.Backoff{
				Min:    500 * time.Millisecond,
				Max:    time.Minute,
				Factor: 2,
			},
		}
		c.markets[symbol] = m
	}
	m.index = index
	m.queue = queue
	return m
}

// drainMarket consumes one batch from the market's queue if it is due. A
// corrupt queue snapshot skips only this market.
func (c *Consumer) drainMarket(ctx context.Context, m *marketCursor) {
	now := time.Now()
	if now.Before(m.nextAttempt) {
		return
	}

	log := c.log.WithComponent("consumer").WithFields(logger.Fields{"market": m.symbol})

	snap, ok := c.accounts.Get(m.queue.String())
	if !ok {
		return
	}
	if snap.Corrupt {
		log.WithFields(logger.Fields{"reason": snap.Reason}).Debug("skipping market with corrupt queue snapshot")
		return
	}
	queue, err := models.DecodeEventQueue(snap.Data)
	if err != nil {
		log.WithError(err).Warn("queue snapshot failed decode")
		return
	}

	c.reconcileCursor(m, queue, log)

	pending := queue.PendingAfter(m.cursor)
	if len(pending) == 0 {
		return
	}
	overdue := now.Sub(m.lastDrained) > c.config.MaxWait
	if len(pending) < c.config.MaxQueueLength && !overdue {
		return
	}

	limit, controls := c.coverControls(pending)
	if limit == 0 {
		log.Warn("pending events reference more parties than fit one call")
		return
	}

	cursorAtSubmit := m.cursor
	instr := c.builder.ConsumeEvents(m.index, limit, m.queue, controls)
	signature, err := c.chain.Submit(ctx, c.payer, []solana.Instruction{instr})
	if err == nil {
		c.settleConsumed(ctx, m, int64(limit), log.WithFields(logger.Fields{"signature": signature}))
		c.crankPnl(ctx, m, controls, log)
		return
	}

	log.WithError(err).Warn("consume submission failed")

	// fate unknown or rejected: trust the queue, not the error. If the
	// first pending sequence moved past our cursor the events were applied,
	// here or by another keeper.
	first, ferr := c.refetchQueue(ctx, m)
	if ferr == nil && first > cursorAtSubmit {
		c.mu.Lock()
		m.cursor = first
		m.lastDrained = time.Now()
		m.backoff.Reset()
		m.nextAttempt = time.Time{}
		c.cursorJumps++
		c.mu.Unlock()
		log.WithFields(logger.Fields{"cursor": first}).Info("queue advanced despite failed submission")
		return
	}

	c.mu.Lock()
	delay := m.backoff.Duration()
	m.nextAttempt = time.Now().Add(delay)
	c.consumesFailed++
	c.mu.Unlock()
	log.WithFields(logger.Fields{"retry_in": delay.String()}).Warn("market consume backing off")
}

// reconcileCursor adopts the queue's first pending sequence on first sight
// of a market and follows it forward when other keepers drain ahead of us.
func (c *Consumer) reconcileCursor(m *marketCursor, queue *models.EventQueue, log *logger.Entry) {
	first := queue.FirstPendingSeq()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !m.adopted {
		m.cursor = first
		m.adopted = true
		return
	}
	if first > m.cursor {
		c.cursorJumps++
		log.WithFields(logger.Fields{"from": m.cursor, "to": first}).Debug("cursor advanced externally")
		m.cursor = first
	}
}

// coverControls walks the pending window in order and gathers the trader
// control accounts the program needs, stopping before the party set
// overflows one instruction. Returns how many leading events are fully
// covered and the accounts for them.
func (c *Consumer) coverControls(pending []models.QueueEvent) (int, []solana.PublicKey) {
	if len(pending) > c.config.ToConsume {
		pending = pending[:c.config.ToConsume]
	}
	var controls []solana.PublicKey
	seen := make(map[solana.PublicKey]bool)
	covered := 0
	for _, ev := range pending {
		var needed []solana.PublicKey
		for _, party := range []solana.PublicKey{ev.Control, ev.Counterparty} {
			if !party.IsZero() && !seen[party] {
				needed = append(needed, party)
			}
		}
		if len(controls)+len(needed) > c.config.MaxControls {
			break
		}
		for _, party := range needed {
			seen[party] = true
			controls = append(controls, party)
		}
		covered++
	}
	return covered, controls
}

// settleConsumed advances the cursor to the queue's observed first pending
// sequence after a confirmed consume.
func (c *Consumer) settleConsumed(ctx context.Context, m *marketCursor, applied int64, log *logger.Entry) {
	first, err := c.refetchQueue(ctx, m)

	c.mu.Lock()
	if err == nil && first > m.cursor {
		m.cursor = first
	} else if err != nil {
		// confirmed on chain; the next scan re-reads the queue and the
		// reconcile pass catches the cursor up
		log.WithError(err).Warn("post-consume queue refetch failed")
	}
	m.lastDrained = time.Now()
	m.backoff.Reset()
	m.nextAttempt = time.Time{}
	c.eventsConsumed += applied
	c.mu.Unlock()

	log.WithFields(logger.Fields{"applied": applied, "cursor": m.cursor}).Debug("consume confirmed")
}

// crankPnl settles realized pnl for the traders just consumed. Runs only
// after the consume confirmed; a failure here does not touch the cursor.
func (c *Consumer) crankPnl(ctx context.Context, m *marketCursor, controls []solana.PublicKey, log *logger.Entry) {
	if len(controls) == 0 {
		return
	}
	instr := c.builder.CrankPnl(m.index, controls)
	if _, err := c.chain.Submit(ctx, c.payer, []solana.Instruction{instr}); err != nil {
		c.mu.Lock()
		c.pnlCranksFailed++
		c.mu.Unlock()
		log.WithError(err).Warn("pnl crank failed")
	}
}

// refetchQueue reads the queue fresh from the chain, feeds the image into
// the account store and returns the first pending sequence.
func (c *Consumer) refetchQueue(ctx context.Context, m *marketCursor) (uint64, error) {
	info, _, err := c.chain.GetAccountInfo(ctx, m.queue)
	if err != nil {
		return 0, err
	}
	if info == nil {
		return 0, fmt.Errorf("event queue account missing")
	}
	queue, err := models.DecodeEventQueue(info.Data)
	if err != nil {
		return 0, err
	}
	c.accounts.Update(m.queue.String(), info.Data, info.Slot)
	return queue.FirstPendingSeq(), nil
}

func (c *Consumer) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			consumed := c.eventsConsumed
			failed := c.consumesFailed
			jumps := c.cursorJumps
			pnlFailed := c.pnlCranksFailed
			tracked := len(c.markets)
			c.mu.RUnlock()

			c.log.WithComponent("consumer").WithFields(logger.Fields{
				"markets":           tracked,
				"events_consumed":   consumed,
				"consumes_failed":   failed,
				"cursor_jumps":      jumps,
				"pnl_cranks_failed": pnlFailed,
			}).Info("consumer metrics")
		}
	}
}
