// Package liquidator hunts undercollateralized accounts and enforces
// against them: cancel resting orders, take over positions, settle
// bankruptcies.
package liquidator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"perpkeeper/cache"
	"perpkeeper/gateway"
	"perpkeeper/logger"
	"perpkeeper/models"
	"perpkeeper/program"
	"perpkeeper/solana"
)

type chainClient interface {
	Submit(ctx context.Context, payer solana.PrivateKey, instructions []solana.Instruction) (string, error)
	GetProgramAccounts(ctx context.Context, programID solana.PublicKey, dataSize uint64) ([]gateway.KeyedAccount, error)
}

// Config controls scanning and sharding.
type Config struct {
	ScanInterval    time.Duration
	RefreshInterval time.Duration
	// StaleOracleAge is the oldest price evaluation will act on.
	StaleOracleAge time.Duration

	// HealthThreshold scales the maintenance requirement: accounts with
	// equity below maintenance*threshold get enforced. 1.0 is the exact
	// maintenance line.
	HealthThreshold float64
	// SizeCap bounds one close transaction in whole asset units. Zero
	// defers sizing to the program.
	SizeCap float64

	// ShardModulus/ShardRemainder split the account space across keeper
	// instances. An instance owns the keys whose byte sum falls in its
	// remainder class.
	ShardModulus   int
	ShardRemainder int

	Program      solana.PublicKey
	LiqorMargin  solana.PublicKey
	LiqorControl solana.PublicKey
}

func (c *Config) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 250 * time.Millisecond
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5 * time.Minute
	}
	if c.StaleOracleAge <= 0 {
		c.StaleOracleAge = 30 * time.Second
	}
	if c.HealthThreshold <= 0 {
		c.HealthThreshold = 1.0
	}
	if c.ShardModulus <= 0 {
		c.ShardModulus = 1
	}
}

// ownsKey implements the shard filter: the byte sum of the key, reduced by
// the modulus, selects exactly one instance per key.
func (c *Config) ownsKey(key solana.PublicKey) bool {
	sum := 0
	for _, b := range key {
		sum += int(b)
	}
	return sum%c.ShardModulus == c.ShardRemainder
}

// target is one margin/control pair this shard watches.
type target struct {
	margin      solana.PublicKey
	control     solana.PublicKey
	backoff     *backoff.Backoff
	nextAttempt time.Time
}

// Liquidator scans its shard of margin accounts against live oracle prices
// and walks distressed accounts down the enforcement ladder, one step per
// scan: cancel orders first, then take positions, then settle bankruptcy.
type Liquidator struct {
	config    Config
	chain     chainClient
	builder   *program.Builder
	accounts  *cache.Store
	payer     solana.PrivateKey
	stateKey  solana.PublicKey
	cacheKey  solana.PublicKey
	threshold decimal.Decimal

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	targets map[string]*target

	enforcements     int64
	benignRejections int64
	staleSkips       int64
	enforceFailures  int64
}

// NewLiquidator wires a Liquidator. accounts must be tracking stateKey and
// cacheKey.
func NewLiquidator(cfg Config, chain chainClient, builder *program.Builder, accounts *cache.Store, payer solana.PrivateKey, stateKey, cacheKey solana.PublicKey) *Liquidator {
	cfg.applyDefaults()
	return &Liquidator{
		config:    cfg,
		chain:     chain,
		builder:   builder,
		accounts:  accounts,
		payer:     payer,
		stateKey:  stateKey,
		cacheKey:  cacheKey,
		threshold: decimal.NewFromFloat(cfg.HealthThreshold),
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		targets:   make(map[string]*target),
	}
}

func (l *Liquidator) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("liquidator already running")
	}
	l.running = true
	l.ctx = ctx
	l.mu.Unlock()

	log := l.log.WithComponent("liquidator").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting liquidator")

	if err := l.refreshTargets(ctx); err != nil {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		return fmt.Errorf("initial account refresh: %w", err)
	}

	l.wg.Add(2)
	go l.scanLoop()
	go l.refreshLoop()
	go l.metricsReporter(ctx)

	log.WithFields(logger.Fields{
		"targets":         len(l.targets),
		"shard_modulus":   l.config.ShardModulus,
		"shard_remainder": l.config.ShardRemainder,
	}).Info("liquidator started")
	return nil
}

func (l *Liquidator) Stop() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()

	l.log.WithComponent("liquidator").Info("stopping liquidator")
	l.wg.Wait()
	l.log.WithComponent("liquidator").Info("liquidator stopped")
}

func (l *Liquidator) scanLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.ScanInterval)
	defer ticker.Stop()

	log := l.log.WithComponent("liquidator")
	for {
		select {
		case <-l.ctx.Done():
			log.Info("scan loop stopped due to context cancellation")
			return
		case <-ticker.C:
			l.scanOnce(l.ctx)
		}
	}
}

func (l *Liquidator) refreshLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.RefreshInterval)
	defer ticker.Stop()

	log := l.log.WithComponent("liquidator")
	for {
		select {
		case <-l.ctx.Done():
			log.Info("refresh loop stopped due to context cancellation")
			return
		case <-ticker.C:
			if err := l.refreshTargets(l.ctx); err != nil {
				log.WithError(err).Warn("account refresh failed")
			}
		}
	}
}

// refreshTargets rebuilds this shard's watch list from the chain and feeds
// the fetched margin and control images into the account store.
func (l *Liquidator) refreshTargets(ctx context.Context) error {
	margins, err := l.chain.GetProgramAccounts(ctx, l.config.Program, models.MarginSize)
	if err != nil {
		return fmt.Errorf("list margin accounts: %w", err)
	}
	controls, err := l.chain.GetProgramAccounts(ctx, l.config.Program, models.ControlSize)
	if err != nil {
		return fmt.Errorf("list control accounts: %w", err)
	}
	for _, entry := range controls {
		l.accounts.Update(entry.Pubkey.String(), entry.Account.Data, entry.Account.Slot)
	}

	fresh := make(map[string]*target)
	owned := 0
	for _, entry := range margins {
		if !l.config.ownsKey(entry.Pubkey) {
			continue
		}
		decoded, err := models.DecodeMargin(entry.Account.Data)
		if err != nil {
			l.log.WithComponent("liquidator").WithError(err).WithFields(logger.Fields{
				"account": entry.Pubkey.String(),
			}).Warn("skipping undecodable margin account")
			continue
		}
		l.accounts.Update(entry.Pubkey.String(), entry.Account.Data, entry.Account.Slot)
		owned++

		key := entry.Pubkey.String()
		l.mu.RLock()
		existing, ok := l.targets[key]
		l.mu.RUnlock()
		if ok {
			existing.control = decoded.Control
			fresh[key] = existing
			continue
		}
		fresh[key] = &target{
			margin:  entry.Pubkey,
			control: decoded.Control,
			backoff: &backoff.Backoff{
				Min:    500 * time.Millisecond,
				Max:    time.Minute,
				Factor: 2,
			},
		}
	}

	l.mu.Lock()
	l.targets = fresh
	l.mu.Unlock()

	l.log.WithComponent("liquidator").WithFields(logger.Fields{
		"margins_total": len(margins),
		"shard_owned":   owned,
	}).Info("refreshed watch list")
	return nil
}

// scanOnce evaluates every watched account against current prices.
func (l *Liquidator) scanOnce(ctx context.Context) {
	stateSnap, ok := l.accounts.Get(l.stateKey.String())
	if !ok || stateSnap.Corrupt {
		return
	}
	state, err := models.DecodeState(stateSnap.Data)
	if err != nil {
		return
	}
	cacheSnap, ok := l.accounts.Get(l.cacheKey.String())
	if !ok || cacheSnap.Corrupt {
		return
	}
	cacheAcc, err := models.DecodeCache(cacheSnap.Data)
	if err != nil {
		return
	}

	l.mu.RLock()
	targets := make([]*target, 0, len(l.targets))
	for _, t := range l.targets {
		targets = append(targets, t)
	}
	l.mu.RUnlock()

	now := time.Now()
	for _, t := range targets {
		if now.Before(t.nextAttempt) {
			continue
		}
		l.evaluateTarget(ctx, t, state, cacheAcc, now)
	}
}

func (l *Liquidator) evaluateTarget(ctx context.Context, t *target, state *models.State, cacheAcc *models.Cache, now time.Time) {
	log := l.log.WithComponent("liquidator").WithFields(logger.Fields{"margin": t.margin.String()})

	marginSnap, ok := l.accounts.Get(t.margin.String())
	if !ok || marginSnap.Corrupt {
		return
	}
	margin, err := models.DecodeMargin(marginSnap.Data)
	if err != nil {
		return
	}
	controlSnap, ok := l.accounts.Get(t.control.String())
	if !ok || controlSnap.Corrupt {
		return
	}
	control, err := models.DecodeControl(controlSnap.Data)
	if err != nil {
		return
	}

	report, err := evaluateAccount(margin, control, state, cacheAcc, now.Unix(), int64(l.config.StaleOracleAge.Seconds()))
	if err != nil {
		if errors.Is(err, errStaleOracle) {
			l.mu.Lock()
			l.staleSkips++
			l.mu.Unlock()
			log.WithError(err).Debug("skipping evaluation on stale price")
			return
		}
		log.WithError(err).Warn("account evaluation failed")
		return
	}

	if !report.Liquidatable(l.threshold) && !control.Bankrupt() {
		return
	}
	l.enforce(ctx, t, control, state, report, log)
}

// enforce takes the next ladder step for a distressed account and settles
// the outcome. Losing the race to another liquidator is a normal result,
// not a fault.
func (l *Liquidator) enforce(ctx context.Context, t *target, control *models.Control, state *models.State, report *healthReport, log *logger.Entry) {
	liqor := program.Party{Margin: l.config.LiqorMargin, Control: l.config.LiqorControl}
	liqee := program.Party{Margin: t.margin, Control: t.control}

	var instr solana.Instruction
	var action string
	switch {
	case len(report.CancelMarkets) > 0:
		mi := report.CancelMarkets[0]
		instr = l.builder.ForceCancelOrders(mi, liqee, state.Markets[mi].EventQueue)
		action = "force_cancel_orders"
	case control.Bankrupt():
		asset := report.SpotQuote
		if asset < 0 {
			asset = 0
		}
		instr = l.builder.SettleBankruptcy(asset, liqor, liqee)
		action = "settle_bankruptcy"
	case report.PerpMarket >= 0:
		market := state.Markets[report.PerpMarket]
		instr = l.builder.LiquidatePerpPosition(report.PerpMarket, l.nativeSizeCap(market.AssetDecimals), liqor, liqee, market.EventQueue)
		action = "liquidate_perp_position"
	case report.SpotAsset >= 0 && report.SpotQuote >= 0:
		assetCap := l.nativeSizeCap(state.Collaterals[report.SpotAsset].Decimals)
		instr = l.builder.LiquidateSpotPosition(report.SpotAsset, report.SpotQuote, assetCap, liqor, liqee)
		action = "liquidate_spot_position"
	default:
		return
	}

	log = log.WithFields(logger.Fields{
		"action": action,
		"health": report.Health().StringFixed(4),
	})

	signature, err := l.chain.Submit(ctx, l.payer, []solana.Instruction{instr})
	if err == nil {
		l.mu.Lock()
		l.enforcements++
		l.mu.Unlock()
		t.backoff.Reset()
		t.nextAttempt = time.Time{}
		log.WithFields(logger.Fields{"signature": signature}).Info("enforcement confirmed")
		return
	}

	var se *gateway.SimulationError
	if errors.As(err, &se) {
		if code, ok := se.CustomCode(); ok && program.BenignRejection(code) {
			l.mu.Lock()
			l.benignRejections++
			l.mu.Unlock()
			t.backoff.Reset()
			t.nextAttempt = time.Time{}
			log.WithFields(logger.Fields{"code": code}).Debug("enforcement not needed, condition already cleared")
			return
		}
	}

	l.mu.Lock()
	l.enforceFailures++
	l.mu.Unlock()
	delay := t.backoff.Duration()
	t.nextAttempt = time.Now().Add(delay)
	log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("enforcement failed")
}

// nativeSizeCap converts the configured close cap to native units at the
// given decimals. Zero passes sizing through to the program.
func (l *Liquidator) nativeSizeCap(decimals int) uint64 {
	if l.config.SizeCap <= 0 {
		return 0
	}
	return uint64(decimal.NewFromFloat(l.config.SizeCap).Shift(int32(decimals)).IntPart())
}

func (l *Liquidator) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.RLock()
			targets := len(l.targets)
			enforced := l.enforcements
			benign := l.benignRejections
			stale := l.staleSkips
			failures := l.enforceFailures
			l.mu.RUnlock()

			l.log.WithComponent("liquidator").WithFields(logger.Fields{
				"targets":           targets,
				"enforcements":      enforced,
				"benign_rejections": benign,
				"stale_skips":       stale,
				"enforce_failures":  failures,
			}).Info("liquidator metrics")
		}
	}
}
