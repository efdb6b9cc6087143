// Package listener mirrors the program's on-chain accounts in near real
// time and derives the domain event stream from what changes.
package listener

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"perpkeeper/cache"
	"perpkeeper/gateway"
	"perpkeeper/internal/channel"
	"perpkeeper/logger"
	"perpkeeper/models"
	"perpkeeper/solana"
)

// chainSource is the gateway surface the listener uses.
type chainSource interface {
	SubscribeProgram(ctx context.Context, program solana.PublicKey) (*gateway.AccountSubscription, error)
	SubscribeLogs(ctx context.Context, program solana.PublicKey) (*gateway.LogSubscription, error)
	GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*gateway.AccountInfo, uint64, error)
}

// LogSink receives batches of scraped program log lines. Like EventSink,
// delivery is at-least-once.
type LogSink interface {
	SaveLogs(ctx context.Context, lines []models.LogLine) error
}

// Config controls the listener.
type Config struct {
	Program solana.PublicKey
	// FetchChunk caps keys per reconcile fetch.
	FetchChunk int
}

func (c *Config) applyDefaults() {
	if c.FetchChunk <= 0 || c.FetchChunk > 100 {
		c.FetchChunk = 100
	}
}

// seenImage is the last account image the diff engine processed.
type seenImage struct {
	Data []byte
	Slot uint64
}

// Listener holds the program subscription open, keeps the account store
// current, and turns account changes into domain events. Every account
// image, whether streamed or refetched, funnels through one ingest worker
// so images are diffed exactly once and in order.
type Listener struct {
	config   Config
	chain    chainSource
	accounts *cache.Store
	channels *channel.Channels
	diff     *differ
	stateKey solana.PublicKey
	logSinks []LogSink

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	seen map[string]seenImage

	reconnects    int64
	updatesStale  int64
	eventsDerived int64
	programErrors int64
	logsForwarded int64
}

// NewListener wires a Listener. accounts must be tracking stateKey and
// cacheKey at minimum; the program subscription will feed it every owned
// account. Scraped program logs are forwarded to logSinks when any are
// given.
func NewListener(cfg Config, chain chainSource, accounts *cache.Store, channels *channel.Channels, stateKey, cacheKey solana.PublicKey, logSinks ...LogSink) *Listener {
	cfg.applyDefaults()
	return &Listener{
		config:   cfg,
		chain:    chain,
		accounts: accounts,
		channels: channels,
		diff:     newDiffer(accounts, cacheKey.String()),
		stateKey: stateKey,
		logSinks: logSinks,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		seen:     make(map[string]seenImage),
	}
}

func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("listener already running")
	}
	l.running = true
	l.ctx = ctx
	l.mu.Unlock()

	log := l.log.WithComponent("listener").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting chain listener")

	// market metadata must exist before the first diff
	if snap, ok := l.accounts.Get(l.stateKey.String()); ok && !snap.Corrupt {
		if state, err := models.DecodeState(snap.Data); err == nil {
			l.diff.observeState(state)
		}
	}

	l.wg.Add(3)
	go l.subscriptionLoop()
	go l.logsLoop()
	go l.ingestWorker()
	go l.logWorker()
	go l.metricsReporter(ctx)

	log.Info("chain listener started")
	return nil
}

func (l *Listener) Stop() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()

	l.log.WithComponent("listener").Info("stopping chain listener")
	l.wg.Wait()
	l.log.WithComponent("listener").Info("chain listener stopped")
}

// subscriptionLoop keeps one program subscription alive, reconnecting with
// growing delay. Each new session starts with a reconcile pass so changes
// that happened while disconnected are still observed and diffed.
func (l *Listener) subscriptionLoop() {
	defer l.wg.Done()

	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2}
	log := l.log.WithComponent("listener").WithFields(logger.Fields{"worker": "subscription"})

	for {
		if l.ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := l.runSession(l.ctx)
		if l.ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}

		l.mu.Lock()
		l.reconnects++
		l.mu.Unlock()

		delay := b.Duration()
		log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("program subscription lost, reconnecting")
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (l *Listener) runSession(ctx context.Context) error {
	sub, err := l.chain.SubscribeProgram(ctx, l.config.Program)
	if err != nil {
		return err
	}
	defer sub.Close()

	l.reconcile(ctx, "session start")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-sub.Updates:
			if !ok {
				return sub.Err()
			}
			l.channels.SendUpdate(ctx, update)
		}
	}
}

// reconcile refetches the tracked core accounts and routes the images
// through the normal ingest path, so anything that changed during a
// subscription gap is diffed like a streamed update. A diagnostic event
// marks the seam.
func (l *Listener) reconcile(ctx context.Context, reason string) {
	keys := l.accounts.TrackedKeys()
	log := l.log.WithComponent("listener")

	var contextSlot uint64
	for start := 0; start < len(keys); start += l.config.FetchChunk {
		end := start + l.config.FetchChunk
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		infos, slot, err := l.chain.GetMultipleAccounts(ctx, chunk)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"reason": reason}).Warn("reconcile fetch failed")
			return
		}
		contextSlot = slot
		received := time.Now().UTC()
		for i, info := range infos {
			if info == nil {
				continue
			}
			l.channels.SendUpdate(ctx, models.AccountUpdate{
				Key:        chunk[i].String(),
				Data:       info.Data,
				Slot:       info.Slot,
				ReceivedAt: received,
			})
		}
	}

	ev := models.NewEvent(models.EventDiagnostic, "", contextSlot)
	ev.Note = "state refetched: " + reason
	l.channels.SendEvent(ctx, ev)
	log.WithFields(logger.Fields{"reason": reason, "accounts": len(keys)}).Info("reconciled tracked accounts")
}

// ingestWorker is the single consumer of the update flow. All dedup, store
// writes and diffing happen here.
func (l *Listener) ingestWorker() {
	defer l.wg.Done()

	log := l.log.WithComponent("listener").WithFields(logger.Fields{"worker": "ingest"})
	for {
		select {
		case <-l.ctx.Done():
			log.Info("ingest worker stopped due to context cancellation")
			return
		case update := <-l.channels.Updates:
			l.applyUpdate(l.ctx, update)
		}
	}
}

// applyUpdate stores one account image and emits the events it implies.
// Images at or behind the last diffed slot for the account are discarded:
// the streamed and refetched paths overlap and replays must not re-emit.
func (l *Listener) applyUpdate(ctx context.Context, update models.AccountUpdate) {
	l.mu.Lock()
	prev, hadPrev := l.seen[update.Key]
	if hadPrev && update.Slot <= prev.Slot {
		l.updatesStale++
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.accounts.Update(update.Key, update.Data, update.Slot)

	var prevData []byte
	if hadPrev {
		prevData = prev.Data
	}
	events := l.diff.diff(update.Key, prevData, update)

	l.mu.Lock()
	l.seen[update.Key] = seenImage{Data: update.Data, Slot: update.Slot}
	l.eventsDerived += int64(len(events))
	l.mu.Unlock()

	for _, ev := range events {
		l.channels.SendEvent(ctx, ev)
	}
}

// logsLoop keeps the program log subscription alive.
func (l *Listener) logsLoop() {
	defer l.wg.Done()

	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2}
	log := l.log.WithComponent("listener").WithFields(logger.Fields{"worker": "logs"})

	for {
		if l.ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := l.runLogSession(l.ctx)
		if l.ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}

		delay := b.Duration()
		log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("log subscription lost, reconnecting")
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (l *Listener) runLogSession(ctx context.Context) error {
	sub, err := l.chain.SubscribeLogs(ctx, l.config.Program)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-sub.Lines:
			if !ok {
				return sub.Err()
			}
			l.channels.SendLog(ctx, line)
		}
	}
}

// logWorker surfaces program-level errors from the log stream and forwards
// the lines to the configured sinks in small batches. Events come from
// account diffs; the log stream is side-channel context.
func (l *Listener) logWorker() {
	log := l.log.WithComponent("listener").WithFields(logger.Fields{"worker": "logs"})

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var pending []models.LogLine
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.forwardLogs(l.ctx, pending)
			pending = nil
		case line := <-l.channels.Logs:
			if strings.Contains(line.Line, "Error") || strings.Contains(line.Line, "error") {
				l.mu.Lock()
				l.programErrors++
				l.mu.Unlock()
				log.WithFields(logger.Fields{
					"signature": line.Signature,
					"slot":      line.Slot,
					"line":      line.Line,
				}).Warn("program reported an error")
			}
			if len(l.logSinks) == 0 {
				continue
			}
			pending = append(pending, line)
			if len(pending) >= 64 {
				l.forwardLogs(l.ctx, pending)
				pending = nil
			}
		}
	}
}

// forwardLogs hands one batch of scraped lines to every log sink. Sinks
// fail independently.
func (l *Listener) forwardLogs(ctx context.Context, pending []models.LogLine) {
	if len(pending) == 0 || len(l.logSinks) == 0 {
		return
	}
	log := l.log.WithComponent("listener").WithFields(logger.Fields{"worker": "logs"})
	for _, sink := range l.logSinks {
		if err := sink.SaveLogs(ctx, pending); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"sink":  fmt.Sprintf("%T", sink),
				"lines": len(pending),
			}).Warn("log sink rejected batch")
		}
	}
	l.mu.Lock()
	l.logsForwarded += int64(len(pending))
	l.mu.Unlock()
	logger.LogDataFlowEntry(log, "log_channel", "log_sinks", len(pending), "program_logs")
}

func (l *Listener) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.RLock()
			reconnects := l.reconnects
			stale := l.updatesStale
			derived := l.eventsDerived
			progErrs := l.programErrors
			forwarded := l.logsForwarded
			seen := len(l.seen)
			l.mu.RUnlock()

			l.log.WithComponent("listener").WithFields(logger.Fields{
				"accounts_seen":  seen,
				"reconnects":     reconnects,
				"updates_stale":  stale,
				"events_derived": derived,
				"program_errors": progErrs,
				"logs_forwarded": forwarded,
			}).Info("listener metrics")
		}
	}
}
