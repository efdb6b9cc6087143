// Registers:
//
//	#perpkeeper_submits_total
//	#perpkeeper_events_forwarded_total
//	#go_* and process_* system metrics
//
// Exposes them at the configured address using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perpkeeper/logger"
)

var (
	once            sync.Once
	submitsTotal    *prometheus.CounterVec
	eventsForwarded *prometheus.CounterVec
)

// Init registers the keeper counters and serves them at addr, for example
// ":2112". Only the first call takes effect. When Init is never called the
// increment helpers are no-ops, so the endpoint stays opt-in.
func Init(addr string) {
	once.Do(func() {
		submitsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpkeeper_submits_total",
				Help: "Transactions submitted, by terminal outcome",
			},
			[]string{"outcome"},
		)

		eventsForwarded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpkeeper_events_forwarded_total",
				Help: "Domain events handed to the configured sinks",
			},
			[]string{"component"},
		)

		_ = prometheus.Register(submitsTotal)
		_ = prometheus.Register(eventsForwarded)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	})
}

// IncrementSubmit counts one transaction reaching the given terminal
// outcome, "confirmed" or "failed".
func IncrementSubmit(outcome string) {
	if submitsTotal != nil {
		submitsTotal.WithLabelValues(outcome).Inc()
	}
}

// AddEventsForwarded counts events flushed to the sinks by the named
// component.
func AddEventsForwarded(component string, n int) {
	if eventsForwarded != nil && n > 0 {
		eventsForwarded.WithLabelValues(component).Add(float64(n))
	}
}
