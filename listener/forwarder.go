package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perpkeeper/internal/channel"
	"perpkeeper/internal/metrics"
	"perpkeeper/logger"
	"perpkeeper/models"
)

// EventSink receives batches of domain events. Sinks must tolerate replays:
// a batch may be delivered again after a partial failure.
type EventSink interface {
	SaveEvents(ctx context.Context, events []models.DomainEvent) error
}

// ForwarderConfig controls event batching toward the sinks.
type ForwarderConfig struct {
	// BufferSize bounds the staging buffer. When full, the oldest events
	// give way to new ones and the loss is reported downstream.
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
}

func (c *ForwarderConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.FlushSize <= 0 {
		c.FlushSize = 256
	}
	if c.FlushSize > c.BufferSize {
		c.FlushSize = c.BufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
}

// Forwarder drains the event flow into a bounded buffer and flushes it to
// every sink on size or interval. A slow or failing sink never blocks the
// listener: under pressure the buffer sheds its oldest events and a
// diagnostic event records how many were lost.
type Forwarder struct {
	config   ForwarderConfig
	channels *channel.Channels
	sinks    []EventSink

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	buffer     []models.DomainEvent
	dropped    int64
	flushCh    chan struct{}

	totalForwarded int64
	totalDropped   int64
	sinkFailures   int64
}

// NewForwarder wires a Forwarder over the given sinks.
func NewForwarder(cfg ForwarderConfig, channels *channel.Channels, sinks ...EventSink) *Forwarder {
	cfg.applyDefaults()
	return &Forwarder{
		config:   cfg,
		channels: channels,
		sinks:    sinks,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		buffer:   make([]models.DomainEvent, 0, cfg.BufferSize),
		flushCh:  make(chan struct{}, 1),
	}
}

func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("forwarder already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	log := f.log.WithComponent("forwarder").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting event forwarder")

	f.wg.Add(2)
	go f.collectWorker()
	go f.flushWorker()
	go f.metricsReporter(ctx)

	log.WithFields(logger.Fields{"sinks": len(f.sinks)}).Info("event forwarder started")
	return nil
}

// Stop drains what is buffered into the sinks before returning. The final
// flush runs detached from the lifecycle context so cancellation does not
// strand the tail of the stream.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.log.WithComponent("forwarder").Info("stopping event forwarder")
	f.wg.Wait()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(f.ctx), 10*time.Second)
	defer cancel()
	f.flushBuffers(ctx, "shutdown")

	f.log.WithComponent("forwarder").Info("event forwarder stopped")
}

func (f *Forwarder) collectWorker() {
	defer f.wg.Done()

	log := f.log.WithComponent("forwarder").WithFields(logger.Fields{"worker": "collect"})
	for {
		select {
		case <-f.ctx.Done():
			log.Info("collect worker stopped due to context cancellation")
			return
		case ev := <-f.channels.Events:
			f.push(ev)
		}
	}
}

// push stages one event, shedding the oldest when the buffer is full.
func (f *Forwarder) push(ev models.DomainEvent) {
	f.mu.Lock()
	if len(f.buffer) >= f.config.BufferSize {
		copy(f.buffer, f.buffer[1:])
		f.buffer[len(f.buffer)-1] = ev
		f.dropped++
		f.totalDropped++
	} else {
		f.buffer = append(f.buffer, ev)
	}
	wantFlush := len(f.buffer) >= f.config.FlushSize
	f.mu.Unlock()

	if wantFlush {
		select {
		case f.flushCh <- struct{}{}:
		default:
		}
	}
}

func (f *Forwarder) flushWorker() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.flushBuffers(f.ctx, "interval")
		case <-f.flushCh:
			f.flushBuffers(f.ctx, "size")
		}
	}
}

// flushBuffers hands the staged batch to every sink. Sinks fail
// independently; one sink's error does not keep the batch from the others.
func (f *Forwarder) flushBuffers(ctx context.Context, reason string) {
	f.mu.Lock()
	batch := f.buffer
	f.buffer = make([]models.DomainEvent, 0, f.config.BufferSize)
	droppedSinceFlush := f.dropped
	f.dropped = 0
	f.mu.Unlock()

	if droppedSinceFlush > 0 {
		ev := models.NewEvent(models.EventDiagnostic, "", 0)
		ev.Note = fmt.Sprintf("%d events dropped under backpressure", droppedSinceFlush)
		batch = append([]models.DomainEvent{ev}, batch...)
	}
	if len(batch) == 0 {
		return
	}

	log := f.log.WithComponent("forwarder")
	for _, sink := range f.sinks {
		if err := sink.SaveEvents(ctx, batch); err != nil {
			f.mu.Lock()
			f.sinkFailures++
			f.mu.Unlock()
			log.WithError(err).WithFields(logger.Fields{
				"sink":   fmt.Sprintf("%T", sink),
				"events": len(batch),
			}).Error("sink rejected event batch")
		}
	}

	f.mu.Lock()
	f.totalForwarded += int64(len(batch))
	f.mu.Unlock()
	logger.IncrementEventsForwarded(len(batch))
	metrics.AddEventsForwarded("forwarder", len(batch))

	logger.LogDataFlowEntry(log, "event_channel", "event_sinks", len(batch), "domain_events")
	log.WithFields(logger.Fields{"events": len(batch), "reason": reason}).Debug("flushed event batch")
}

func (f *Forwarder) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.RLock()
			forwarded := f.totalForwarded
			dropped := f.totalDropped
			failures := f.sinkFailures
			staged := len(f.buffer)
			f.mu.RUnlock()

			f.log.WithComponent("forwarder").WithFields(logger.Fields{
				"events_forwarded": forwarded,
				"events_dropped":   dropped,
				"sink_failures":    failures,
				"staged":           staged,
			}).Info("forwarder metrics")
		}
	}
}
