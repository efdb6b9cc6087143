package crank

import (
	"context"
	"fmt"
	"sort"
	"strings"
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

// Kind names the crank flavors. Tasks of the same kind batch into one
// transaction; kinds never mix.
type Kind string

const (
	KindOracle   Kind = "oracle"
	KindInterest Kind = "interest"
	KindFunding  Kind = "funding"
)

// chainClient is the gateway surface the scheduler uses.
type chainClient interface {
	Submit(ctx context.Context, payer solana.PrivateKey, instructions []solana.Instruction) (string, error)
	GetAccountInfo(ctx context.Context, key solana.PublicKey) (*gateway.AccountInfo, uint64, error)
}

// Config controls crank cadence and batching.
type Config struct {
	OracleInterval   time.Duration
	InterestInterval time.Duration
	FundingInterval  time.Duration

	// OracleChunk is symbols per cache_oracle instruction, InterestChunk is
	// collateral indexes per cache_interest_rates instruction.
	OracleChunk   int
	InterestChunk int

	// MaxBatch bounds instructions per submitted transaction.
	MaxBatch int

	// Oracles maps a cached symbol to its on-chain oracle account.
	Oracles map[string]solana.PublicKey

	// Markets restricts funding cranks to the named markets. Empty means
	// every market in the state account.
	Markets []string
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

func (c *Config) applyDefaults() {
	if c.OracleInterval <= 0 {
		c.OracleInterval = time.Second
	}
	if c.InterestInterval <= 0 {
		c.InterestInterval = 5 * time.Second
	}
	if c.FundingInterval <= 0 {
		c.FundingInterval = 30 * time.Second
	}
	if c.OracleChunk <= 0 {
		c.OracleChunk = 8
	}
	if c.InterestChunk <= 0 {
		c.InterestChunk = 4
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 4
	}
}

type taskState int

const (
	taskIdle taskState = iota
	taskSubmitting
	taskBackoff
)

// task is one (target, kind) crank pair and its scheduling state. A task is
// due when now passes nextDue and no submission is in flight for it.
type task struct {
	key     string
	kind    Kind
	nextDue time.Time
	state   taskState
	backoff *backoff.Backoff

	// submission payload, rebuilt each attempt
	instr solana.Instruction
	// marker is the on-chain progress value captured before submission;
	// recheck fetches the live value for failure attribution.
	marker  int64
	recheck func(ctx context.Context) (int64, error)
}

func newTask(key string, kind Kind) *task {
	return &task{
		key:  key,
		kind: kind,
		backoff: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    time.Minute,
			Factor: 2,
		},
	}
}

// Scheduler drives the recurring cranks: oracle cache refresh, interest
// accrual and funding updates. Each (target, kind) pair cycles
// idle→due→submitting and lands back at idle on confirmation or in backoff
// on failure.
type Scheduler struct {
	config   Config
	chain    chainClient
	builder  *program.Builder
	accounts *cache.Store
	payer    solana.PrivateKey
	stateKey solana.PublicKey
	cacheKey solana.PublicKey

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	tasks map[string]*task

	submissionsConfirmed int64
	submissionsFailed    int64
	attributedConfirmed  int64
}

// NewScheduler wires a Scheduler. accounts must be tracking stateKey and
// cacheKey.
func NewScheduler(cfg Config, chain chainClient, builder *program.Builder, accounts *cache.Store, payer solana.PrivateKey, stateKey, cacheKey solana.PublicKey) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		config:   cfg,
		chain:    chain,
		builder:  builder,
		accounts: accounts,
		payer:    payer,
		stateKey: stateKey,
		cacheKey: cacheKey,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		tasks:    make(map[string]*task),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("crank scheduler already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	log := s.log.WithComponent("crank").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting crank scheduler")

	for kind, interval := range map[Kind]time.Duration{
		KindOracle:   s.config.OracleInterval,
		KindInterest: s.config.InterestInterval,
		KindFunding:  s.config.FundingInterval,
	} {
		s.wg.Add(1)
		go s.kindLoop(kind, interval)
	}
	go s.metricsReporter(ctx)

	log.Info("crank scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("crank").Info("stopping crank scheduler")
	s.wg.Wait()
	s.log.WithComponent("crank").Info("crank scheduler stopped")
}

// kindLoop drives one crank kind at its cadence. A slow submission delays
// only its own kind.
func (s *Scheduler) kindLoop(kind Kind, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := s.log.WithComponent("crank").WithFields(logger.Fields{"kind": string(kind)})
	log.Info("crank loop started")

	// first pass immediately so a fresh keeper cranks without waiting a
	// full interval
	s.crankOnce(s.ctx, kind)

	for {
		select {
		case <-s.ctx.Done():
			log.Info("crank loop stopped due to context cancellation")
			return
		case <-ticker.C:
			s.crankOnce(s.ctx, kind)
		}
	}
}

// crankOnce collects the kind's due tasks, batches them into one
// transaction and resolves the outcome per task.
func (s *Scheduler) crankOnce(ctx context.Context, kind Kind) {
	batch := s.collectDue(kind, time.Now())
	if len(batch) == 0 {
		return
	}

	instructions := make([]solana.Instruction, len(batch))
	keys := make([]string, len(batch))
	for i, t := range batch {
		instructions[i] = t.instr
		keys[i] = t.key
	}

	log := s.log.WithComponent("crank").WithFields(logger.Fields{
		"kind":  string(kind),
		"tasks": strings.Join(keys, " "),
	})

	started := time.Now()
	signature, err := s.chain.Submit(ctx, s.payer, instructions)
	now := time.Now()

	if err == nil {
		s.mu.Lock()
		for _, t := range batch {
			s.settleConfirmed(t, now)
		}
		s.submissionsConfirmed++
		s.mu.Unlock()
		log.WithFields(logger.Fields{"signature": signature}).Debug("crank confirmed")
		logger.LogPerformanceEntry(log, "crank", "submit_batch", now.Sub(started), logger.Fields{
			"batch_size": len(batch),
		})
		return
	}

	log.WithError(err).WithFields(logger.Fields{"signature": signature}).Warn("crank submission failed")

	// The transaction failed as a whole; each pair settles on its own
	// on-chain evidence. A pair whose progress marker advanced was served,
	// by this submission or another keeper, and must not back off.
	for _, t := range batch {
		advanced := s.markerAdvanced(ctx, t)
		s.mu.Lock()
		if advanced {
			s.settleConfirmed(t, now)
			s.attributedConfirmed++
		} else {
			s.settleFailed(t, now)
			s.submissionsFailed++
		}
		s.mu.Unlock()
	}
}

// settleConfirmed is called with s.mu held.
func (s *Scheduler) settleConfirmed(t *task, now time.Time) {
	t.state = taskIdle
	t.backoff.Reset()
	t.nextDue = now.Add(s.intervalFor(t.kind))
}

// settleFailed is called with s.mu held.
func (s *Scheduler) settleFailed(t *task, now time.Time) {
	t.state = taskBackoff
	delay := t.backoff.Duration()
	t.nextDue = now.Add(delay)
	s.log.WithComponent("crank").WithFields(logger.Fields{
		"task":     t.key,
		"attempt":  int(t.backoff.Attempt()),
		"retry_in": delay.String(),
	}).Warn("crank pair backing off")
}

func (s *Scheduler) intervalFor(kind Kind) time.Duration {
	switch kind {
	case KindOracle:
		return s.config.OracleInterval
	case KindInterest:
		return s.config.InterestInterval
	default:
		return s.config.FundingInterval
	}
}

func (s *Scheduler) markerAdvanced(ctx context.Context, t *task) bool {
	if t.recheck == nil {
		return false
	}
	current, err := t.recheck(ctx)
	if err != nil {
		s.log.WithComponent("crank").WithError(err).WithFields(logger.Fields{"task": t.key}).Warn("failure attribution recheck failed")
		return false
	}
	return current > t.marker
}

// collectDue refreshes the task set from current chain state and returns up
// to MaxBatch due tasks of the kind, earliest due first, armed with
// instructions and progress markers.
func (s *Scheduler) collectDue(kind Kind, now time.Time) []*task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*task
	switch kind {
	case KindOracle:
		candidates = s.oracleTasks()
	case KindInterest:
		candidates = s.interestTasks()
	case KindFunding:
		candidates = s.fundingTasks()
	}

	due := candidates[:0]
	for _, t := range candidates {
		if t.state == taskSubmitting || now.Before(t.nextDue) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].nextDue.Before(due[j].nextDue) })
	if len(due) > s.config.MaxBatch {
		due = due[:s.config.MaxBatch]
	}
	for _, t := range due {
		t.state = taskSubmitting
	}
	return due
}

func (s *Scheduler) ensureTask(key string, kind Kind) *task {
	t, ok := s.tasks[key]
	if !ok {
		t = newTask(key, kind)
		s.tasks[key] = t
	}
	return t
}

// oracleTasks chunks the configured oracle symbols and arms each chunk with
// a cache_oracle instruction. Skipped entirely while the cache snapshot is
// corrupt: symbol slots could not be cross-checked.
func (s *Scheduler) oracleTasks() []*task {
	snap, ok := s.accounts.Get(s.cacheKey.String())
	if !ok || snap.Corrupt {
		return nil
	}
	cacheAcc, err := models.DecodeCache(snap.Data)
	if err != nil {
		return nil
	}
	lastTs := make(map[string]int64, len(cacheAcc.Oracles))
	for _, o := range cacheAcc.Oracles {
		lastTs[o.Symbol] = o.LastTs
	}

	symbols := make([]string, 0, len(s.config.Oracles))
	for symbol := range s.config.Oracles {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var tasks []*task
	for start := 0; start < len(symbols); start += s.config.OracleChunk {
		end := start + s.config.OracleChunk
		if end > len(symbols) {
			end = len(symbols)
		}
		chunk := symbols[start:end]
		t := s.ensureTask("oracle:"+strings.Join(chunk, ","), KindOracle)

		oracles := make([]solana.PublicKey, len(chunk))
		marker := int64(1<<63 - 1)
		for i, symbol := range chunk {
			oracles[i] = s.config.Oracles[symbol]
			if ts := lastTs[symbol]; ts < marker {
				marker = ts
			}
		}
		chunkCopy := append([]string(nil), chunk...)
		t.instr = s.builder.CacheOracle(chunkCopy, oracles)
		t.marker = marker
		t.recheck = s.cacheRecheck(func(c *models.Cache) int64 {
			min := int64(1<<63 - 1)
			for _, symbol := range chunkCopy {
				for _, o := range c.Oracles {
					if o.Symbol == symbol && o.LastTs < min {
						min = o.LastTs
					}
				}
			}
			return min
		})
		tasks = append(tasks, t)
	}
	return tasks
}

// interestTasks chunks the collateral index space.
func (s *Scheduler) interestTasks() []*task {
	snap, ok := s.accounts.Get(s.stateKey.String())
	if !ok || snap.Corrupt {
		return nil
	}
	state, err := models.DecodeState(snap.Data)
	if err != nil {
		return nil
	}
	cacheSnap, ok := s.accounts.Get(s.cacheKey.String())
	if !ok || cacheSnap.Corrupt {
		return nil
	}
	cacheAcc, err := models.DecodeCache(cacheSnap.Data)
	if err != nil {
		return nil
	}

	total := len(state.Collaterals)
	var tasks []*task
	for start := 0; start < total; start += s.config.InterestChunk {
		end := start + s.config.InterestChunk
		if end > total {
			end = total
		}
		t := s.ensureTask(fmt.Sprintf("interest:%d-%d", start, end), KindInterest)

		marker := int64(1<<63 - 1)
		for i := start; i < end && i < len(cacheAcc.Borrows); i++ {
			if ts := cacheAcc.Borrows[i].LastUpdated; ts < marker {
				marker = ts
			}
		}
		startIdx, endIdx := start, end
		t.instr = s.builder.CacheInterestRates(startIdx, endIdx)
		t.marker = marker
		t.recheck = s.cacheRecheck(func(c *models.Cache) int64 {
			min := int64(1<<63 - 1)
			for i := startIdx; i < endIdx && i < len(c.Borrows); i++ {
				if ts := c.Borrows[i].LastUpdated; ts < min {
					min = ts
				}
			}
			return min
		})
		tasks = append(tasks, t)
	}
	return tasks
}

// fundingTasks yields one task per live market. Funding needs only the
// state account, so a corrupt cache snapshot does not stop it.
func (s *Scheduler) fundingTasks() []*task {
	snap, ok := s.accounts.Get(s.stateKey.String())
	if !ok || snap.Corrupt {
		return nil
	}
	state, err := models.DecodeState(snap.Data)
	if err != nil {
		return nil
	}

	var tasks []*task
	for i, market := range state.Markets {
		if !s.config.allowedMarket(market.Symbol) {
			continue
		}
		t := s.ensureTask("funding:"+market.Symbol, KindFunding)
		idx := i
		symbol := market.Symbol
		t.instr = s.builder.UpdatePerpFunding(idx, market.EventQueue)
		t.marker = market.LastFundingTs
		t.recheck = s.stateRecheck(func(st *models.State) int64 {
			for _, m := range st.Markets {
				if m.Symbol == symbol {
					return m.LastFundingTs
				}
			}
			return 0
		})
		tasks = append(tasks, t)
	}
	return tasks
}

// cacheRecheck fetches the cache account fresh from the chain, feeds the
// image back into the account store, and extracts a progress marker.
func (s *Scheduler) cacheRecheck(extract func(*models.Cache) int64) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		info, _, err := s.chain.GetAccountInfo(ctx, s.cacheKey)
		if err != nil {
			return 0, err
		}
		if info == nil {
			return 0, fmt.Errorf("cache account missing")
		}
		decoded, err := models.DecodeCache(info.Data)
		if err != nil {
			return 0, err
		}
		s.accounts.Update(s.cacheKey.String(), info.Data, info.Slot)
		return extract(decoded), nil
	}
}

func (s *Scheduler) stateRecheck(extract func(*models.State) int64) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		info, _, err := s.chain.GetAccountInfo(ctx, s.stateKey)
		if err != nil {
			return 0, err
		}
		if info == nil {
			return 0, fmt.Errorf("state account missing")
		}
		decoded, err := models.DecodeState(info.Data)
		if err != nil {
			return 0, err
		}
		s.accounts.Update(s.stateKey.String(), info.Data, info.Slot)
		return extract(decoded), nil
	}
}

func (s *Scheduler) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			confirmed := s.submissionsConfirmed
			failed := s.submissionsFailed
			attributed := s.attributedConfirmed
			backing := 0
			for _, t := range s.tasks {
				if t.state == taskBackoff {
					backing++
				}
			}
			s.mu.RUnlock()

			s.log.WithComponent("crank").WithFields(logger.Fields{
				"submissions_confirmed": confirmed,
				"submissions_failed":    failed,
				"attributed_confirmed":  attributed,
				"tasks_in_backoff":      backing,
			}).Info("crank metrics")
		}
	}
}
