package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perpkeeper/gateway"
	"perpkeeper/logger"
	"perpkeeper/solana"
)

// Fetcher is the read surface the cache needs from the chain gateway.
type Fetcher interface {
	GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*gateway.AccountInfo, uint64, error)
}

// Probe validates freshly fetched account data. A non-nil error marks the
// snapshot corrupt so dependents skip the key instead of acting on garbage.
type Probe func(data []byte) error

// Snapshot is one cached account image tagged with the slot it was read at.
type Snapshot struct {
	Key       string
	Data      []byte
	Slot      uint64
	FetchedAt time.Time
	Corrupt   bool
	Reason    string
}

// Config controls the cache refresh loop.
type Config struct {
	RefreshInterval time.Duration
	// FetchChunk caps keys per getMultipleAccounts request.
	FetchChunk int
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 10 * time.Second
	}
	if c.FetchChunk <= 0 || c.FetchChunk > 100 {
		c.FetchChunk = 100
	}
}

// Store holds slot-tagged account snapshots for a tracked key set. Updates
// arrive from the subscription path and from the periodic refresh loop; a
// slot guard keeps older images from overwriting newer ones.
type Store struct {
	config  Config
	fetcher Fetcher
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	order   []solana.PublicKey
	probes  map[string]Probe
	entries map[string]*Snapshot

	updatesApplied int64
	updatesStale   int64
	corruptMarks   int64
}

// New creates an empty Store over the given fetcher.
func New(fetcher Fetcher, config Config) *Store {
	config.applyDefaults()
	return &Store{
		config:  config,
		fetcher: fetcher,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		probes:  make(map[string]Probe),
		entries: make(map[string]*Snapshot),
	}
}

// Track registers a key for fetching. The probe may be nil. Tracking the
// same key twice replaces the probe and keeps any existing snapshot.
func (s *Store) Track(key solana.PublicKey, probe Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := key.String()
	if _, ok := s.probes[ks]; !ok {
		s.order = append(s.order, key)
	}
	s.probes[ks] = probe
}

// Keys returns the tracked keys in registration order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, len(s.order))
	for i, k := range s.order {
		keys[i] = k.String()
	}
	return keys
}

// TrackedKeys returns the tracked keys in their typed form, for subscribing.
func (s *Store) TrackedKeys() []solana.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]solana.PublicKey, len(s.order))
	copy(keys, s.order)
	return keys
}

// Get returns the snapshot for key. The snapshot is a copy; the data slice
// must be treated as read-only.
func (s *Store) Get(key string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return *entry, true
}

// SnapshotAge returns how long ago the snapshot for key was fetched.
// Invalidated snapshots report an age beyond any staleness threshold.
func (s *Store) SnapshotAge(key string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok || entry.FetchedAt.IsZero() {
		return 0, false
	}
	return time.Since(entry.FetchedAt), true
}

// Update applies a new account image. Returns false when the update lost the
// slot race against a newer stored snapshot. The registered probe decides
// whether the image is usable; a failing probe stores the entry marked
// corrupt so dependents skip it rather than work from the previous image.
func (s *Store) Update(key string, data []byte, slot uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(key, data, slot)
}

func (s *Store) updateLocked(key string, data []byte, slot uint64) bool {
	if existing, ok := s.entries[key]; ok && slot < existing.Slot {
		s.updatesStale++
		return false
	}

	snapshot := &Snapshot{Key: key, Data: data, Slot: slot, FetchedAt: time.Now().UTC()}
	if probe, ok := s.probes[key]; ok && probe != nil {
		if err := probe(data); err != nil {
			snapshot.Corrupt = true
			snapshot.Reason = err.Error()
			s.corruptMarks++
			s.log.WithComponent("cache").WithError(err).WithFields(logger.Fields{
				"account": key,
				"slot":    slot,
			}).Warn("snapshot marked corrupt")
		}
	}
	s.entries[key] = snapshot
	s.updatesApplied++
	return true
}

// MarkCorrupt flags the stored snapshot for key without replacing its data.
func (s *Store) MarkCorrupt(key, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		entry = &Snapshot{Key: key}
		s.entries[key] = entry
	}
	entry.Corrupt = true
	entry.Reason = reason
	s.corruptMarks++
}

// Invalidate marks the given keys stale, or every entry when called with no
// keys. Data and slots are kept so the slot guard still holds; only
// freshness is revoked, which matters after a subscription gap.
func (s *Store) Invalidate(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(keys) == 0 {
		for _, entry := range s.entries {
			entry.FetchedAt = time.Time{}
		}
		return
	}
	for _, key := range keys {
		if entry, ok := s.entries[key]; ok {
			entry.FetchedAt = time.Time{}
		}
	}
}

// Refresh fetches every tracked key and applies the results.
func (s *Store) Refresh(ctx context.Context) error {
	keys := s.TrackedKeys()
	for start := 0; start < len(keys); start += s.config.FetchChunk {
		end := start + s.config.FetchChunk
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		infos, _, err := s.fetcher.GetMultipleAccounts(ctx, chunk)
		if err != nil {
			return fmt.Errorf("refresh accounts: %w", err)
		}
		s.mu.Lock()
		for i, info := range infos {
			key := chunk[i].String()
			if info == nil {
				entry, ok := s.entries[key]
				if !ok {
					entry = &Snapshot{Key: key}
					s.entries[key] = entry
				}
				entry.Corrupt = true
				entry.Reason = "account missing"
				s.corruptMarks++
				continue
			}
			s.updateLocked(key, info.Data, info.Slot)
		}
		s.mu.Unlock()
	}
	return nil
}

// Start begins the periodic refresh loop after one synchronous refresh, so
// dependents see populated state as soon as Start returns.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cache already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	log := s.log.WithComponent("cache").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting account cache")

	if err := s.Refresh(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("initial refresh: %w", err)
	}

	s.wg.Add(1)
	go s.refreshLoop()
	go s.metricsReporter(ctx)

	log.WithFields(logger.Fields{"tracked": len(s.Keys())}).Info("account cache started")
	return nil
}

// Stop halts the refresh loop.
func (s *Store) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("cache").Info("stopping account cache")
	s.wg.Wait()
	s.log.WithComponent("cache").Info("account cache stopped")
}

func (s *Store) refreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	log := s.log.WithComponent("cache")
	for {
		select {
		case <-s.ctx.Done():
			log.Info("refresh loop stopped due to context cancellation")
			return
		case <-ticker.C:
			if err := s.Refresh(s.ctx); err != nil {
				log.WithError(err).Warn("periodic refresh failed")
			}
		}
	}
}

func (s *Store) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			applied := s.updatesApplied
			stale := s.updatesStale
			corrupt := s.corruptMarks
			tracked := len(s.order)
			s.mu.RUnlock()

			s.log.WithComponent("cache").WithFields(logger.Fields{
				"tracked":         tracked,
				"updates_applied": applied,
				"updates_stale":   stale,
				"corrupt_marks":   corrupt,
			}).Info("cache metrics")
		}
	}
}
