package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes fleet-tracking counters on a dedicated Prometheus
// registry. It satisfies the metrics hooks of the ingest service, the NATS
// publisher, the websocket hub and the ETA calculator.
type Collector struct {
	registry *prometheus.Registry

	fixesIngested prometheus.Counter
	fixesRejected *prometheus.CounterVec
	activeBuses   prometheus.Gauge

	cyclesTotal         prometheus.Counter
	cyclesFailed        prometheus.Counter
	cycleDuration       prometheus.Histogram
	busesProcessed      prometheus.Counter
	busesFailed         prometheus.Counter
	predictionsMade     prometheus.Counter
	consecutiveFailures prometheus.Gauge

	published       prometheus.Counter
	publishErrs     prometheus.Counter
	publishDuration prometheus.Histogram
	natsConnected   prometheus.Gauge
	wsConnections   prometheus.Gauge
}

// NewCollector creates and registers all collectors on a fresh registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		fixesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brtlive_fixes_ingested_total",
			Help: "GPS fixes accepted by the ingest pipeline",
		}),
		fixesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brtlive_fixes_rejected_total",
			Help: "GPS fixes rejected by the ingest pipeline, by reason",
		}, []string{"reason"}),
		activeBuses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brtlive_active_buses",
			Help: "Active buses found in the most recent ETA cycle",
		}),
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brtlive_eta_cycles_total",
			Help: "Completed ETA calculation cycles",
		}),
		cyclesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brtlive_eta_cycles_failed_total",
			Help: "ETA calculation cycles that failed",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "brtlive_eta_cycle_duration_seconds",
			Help:    "Duration of one ETA calculation cycle",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 50},
		}),
		busesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brtlive_eta_buses_processed_total",
			Help: "Buses successfully processed across ETA cycles",
		}),
		busesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brtlive_eta_buses_failed_total",
			Help: "Buses that failed ETA computation after retries",
		}),
		predictionsMade: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brtlive_eta_predictions_total",
			Help: "ETA predictions computed and saved",
		}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brtlive_eta_consecutive_failures",
			Help: "Consecutive failed ETA cycles",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brtlive_publish_total",
			Help: "Messages published to NATS",
		}),
		publishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brtlive_publish_errors_total",
			Help: "Failed NATS publishes",
		}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "brtlive_publish_duration_seconds",
			Help:    "Duration of one NATS publish",
			Buckets: prometheus.DefBuckets,
		}),
		natsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brtlive_nats_connected",
			Help: "Whether the NATS connection is up (1) or down (0)",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brtlive_websocket_connections",
			Help: "Currently connected websocket clients",
		}),
	}

	c.registry.MustRegister(
		c.fixesIngested, c.fixesRejected, c.activeBuses,
		c.cyclesTotal, c.cyclesFailed, c.cycleDuration,
		c.busesProcessed, c.busesFailed, c.predictionsMade, c.consecutiveFailures,
		c.published, c.publishErrs, c.publishDuration,
		c.natsConnected, c.wsConnections,
	)
	return c
}

// Ingest hooks

func (c *Collector) FixIngested() { c.fixesIngested.Inc() }

func (c *Collector) FixRejected(reason string) { c.fixesRejected.WithLabelValues(reason).Inc() }

// Calculator hooks

func (c *Collector) CycleCompleted(d time.Duration) {
	c.cyclesTotal.Inc()
	c.cycleDuration.Observe(d.Seconds())
}

func (c *Collector) CycleFailed() {
	c.cyclesTotal.Inc()
	c.cyclesFailed.Inc()
}

func (c *Collector) BusProcessed() { c.busesProcessed.Inc() }

func (c *Collector) BusFailed() { c.busesFailed.Inc() }

func (c *Collector) PredictionsMade(n int) { c.predictionsMade.Add(float64(n)) }

func (c *Collector) SetActiveBuses(n int) { c.activeBuses.Set(float64(n)) }

func (c *Collector) SetConsecutiveFailures(n int) { c.consecutiveFailures.Set(float64(n)) }

// Publisher hooks

func (c *Collector) PublishedInc() { c.published.Inc() }

func (c *Collector) PublishErrInc() { c.publishErrs.Inc() }

func (c *Collector) PublishObserve(d time.Duration) { c.publishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.natsConnected.Set(1)
	} else {
		c.natsConnected.Set(0)
	}
}

// Hub hook

func (c *Collector) WSConnectionsChanged(n int) { c.wsConnections.Set(float64(n)) }

// Handler serves the registry in Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on its own listener. It blocks, so run it in a
// goroutine.
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	log.Printf("metrics listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
