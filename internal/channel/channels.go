package channel

import (
	"context"
	"sync"
	"time"

	"perpkeeper/logger"
	"perpkeeper/models"
)

type Stats struct {
	UpdatesSent    int64
	UpdatesDropped int64
	EventsSent     int64
	EventsDropped  int64
	LogsSent       int64
	LogsDropped    int64
}

// Channels carries the listener's flows: raw account updates in, derived
// domain events out, program log lines on the side.
type Channels struct {
	Updates chan models.AccountUpdate
	Events  chan models.DomainEvent
	Logs    chan models.LogLine

	stats               Stats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
}

func NewChannels(updateBufferSize, eventBufferSize int) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		Updates: make(chan models.AccountUpdate, updateBufferSize),
		Events:  make(chan models.DomainEvent, eventBufferSize),
		Logs:    make(chan models.LogLine, updateBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"update_buffer_size": updateBufferSize,
		"event_buffer_size":  eventBufferSize,
	}).Info("channels initialized")

	return c
}

// SendUpdate forwards an account update without blocking. Returns false when
// the update was dropped or the context ended.
func (c *Channels) SendUpdate(ctx context.Context, update models.AccountUpdate) bool {
	select {
	case c.Updates <- update:
		c.statsMutex.Lock()
		c.stats.UpdatesSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.UpdatesDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendEvent forwards a domain event without blocking.
func (c *Channels) SendEvent(ctx context.Context, event models.DomainEvent) bool {
	select {
	case c.Events <- event:
		c.statsMutex.Lock()
		c.stats.EventsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.EventsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendLog forwards a program log line without blocking.
func (c *Channels) SendLog(ctx context.Context, line models.LogLine) bool {
	select {
	case c.Logs <- line:
		c.statsMutex.Lock()
		c.stats.LogsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.LogsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	c.log.WithComponent("channels").WithFields(logger.Fields{
		"updates_sent":       stats.UpdatesSent,
		"updates_dropped":    stats.UpdatesDropped,
		"events_sent":        stats.EventsSent,
		"events_dropped":     stats.EventsDropped,
		"logs_sent":          stats.LogsSent,
		"logs_dropped":       stats.LogsDropped,
		"update_channel_len": len(c.Updates),
		"update_channel_cap": cap(c.Updates),
		"event_channel_len":  len(c.Events),
		"event_channel_cap":  cap(c.Events),
		"log_channel_len":    len(c.Logs),
		"log_channel_cap":    cap(c.Logs),
	}).Info("channel statistics")
}

func (c *Channels) Close() {
	if c.metricsReportTicker != nil {
		c.metricsReportTicker.Stop()
	}

	close(c.Updates)
	close(c.Events)
	close(c.Logs)

	c.log.WithComponent("channels").Info("all channels closed")
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
