// Package metrics registers the process-wide Prometheus collectors:
//
//	#cryptomon_records_dropped_total
//	#cryptomon_batches_flushed_total
//	#cryptomon_resyncs_total
//	#go_* and process_* system metrics
//
// and exposes them over HTTP on the configured listen address.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cryptomon/logger"
)

var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptomon_events_total",
		Help: "Decoded feed events routed by the dispatcher",
	}, []string{"type"})

	RecordsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptomon_records_enqueued_total",
		Help: "Records accepted into the persistence queue",
	}, []string{"kind"})

	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptomon_records_dropped_total",
		Help: "Records discarded by the backpressure drop policy",
	}, []string{"kind"})

	RecordsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptomon_records_flushed_total",
		Help: "Records durably written to storage",
	})

	BatchesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptomon_batches_flushed_total",
		Help: "Batches durably written to storage",
	})

	BatchesSpilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptomon_batches_spilled_total",
		Help: "Batches spilled to the local fallback log after retry exhaustion",
	})

	FlushRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptomon_flush_retries_total",
		Help: "Storage write retries",
	})

	SequenceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptomon_sequence_gaps_total",
		Help: "Depth update-id gaps detected per symbol",
	}, []string{"symbol"})

	Resyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptomon_resyncs_total",
		Help: "Snapshot resync requests issued per symbol",
	}, []string{"symbol"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptomon_reconnects_total",
		Help: "Websocket reconnect attempts",
	})

	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptomon_protocol_errors_total",
		Help: "Malformed feed frames logged and skipped",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cryptomon_queue_depth",
		Help: "Current persistence queue depth",
	})
)

var serveOnce sync.Once

// Serve exposes the default registry on listen. Safe to call more than once;
// only the first call starts the server.
func Serve(listen string) {
	if listen == "" {
		return
	}
	serveOnce.Do(func() {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(listen, mux); err != nil {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	})
}
