package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"route-segments/internal/segments"
)

type Collector struct {
	reg *prometheus.Registry

	Runs          prometheus.Counter
	RunDuration   prometheus.Histogram
	StopTimesIn   prometheus.Gauge
	TripsSelected prometheus.Gauge
	SegmentsOut   prometheus.Gauge
	ShapesIndexed prometheus.Gauge
	Warnings      *prometheus.CounterVec // kind label: missing_trip|missing_stop|...
	Progress      *prometheus.GaugeVec   // stage label, fraction done

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	SimTicks        prometheus.Counter
	SimTickDuration prometheus.Histogram
	EdgesUpdated    prometheus.Counter
	StopsUpdated    prometheus.Counter
	Incidents       prometheus.Counter
	SimInterval     prometheus.Gauge // seconds
}

func NewCollector(simInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segments_runs_total",
			Help: "Total segment computations completed.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "segments_run_duration_seconds",
			Help:    "Duration of a segment computation.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		StopTimesIn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segments_stop_times_in",
			Help: "stop_times rows read by the last run.",
		}),
		TripsSelected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segments_trips_selected",
			Help: "Trips processed by the last run.",
		}),
		SegmentsOut: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segments_rows_out",
			Help: "Segment rows produced by the last run.",
		}),
		ShapesIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segments_shapes_indexed",
			Help: "Shapes indexed by the last run.",
		}),
		Warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segments_row_warnings_total",
			Help: "Row-level defects reported while computing segments.",
		}, []string{"kind"}),
		Progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segments_progress_ratio",
			Help: "Fraction of work done per stage of the current run.",
		}, []string{"stage"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segments_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segments_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segments_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "segments_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SimTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conditions_ticks_total",
			Help: "Total condition simulation ticks.",
		}),
		SimTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conditions_tick_duration_seconds",
			Help:    "Duration of one condition simulation tick.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		EdgesUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conditions_edges_updated_total",
			Help: "Total edge condition updates written.",
		}),
		StopsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conditions_stops_updated_total",
			Help: "Total stop condition updates written.",
		}),
		Incidents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conditions_incidents_total",
			Help: "Total simulated incidents.",
		}),
		SimInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conditions_interval_seconds",
			Help: "Condition simulation interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.Runs, c.RunDuration, c.StopTimesIn, c.TripsSelected, c.SegmentsOut, c.ShapesIndexed,
		c.Warnings, c.Progress,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.SimTicks, c.SimTickDuration, c.EdgesUpdated, c.StopsUpdated, c.Incidents, c.SimInterval,
	)

	c.SimInterval.Set(simInterval.Seconds())

	return c
}

// ObserveRun records the outcome of one segment computation.
func (c *Collector) ObserveRun(rep segments.Report, d time.Duration) {
	c.Runs.Inc()
	c.RunDuration.Observe(d.Seconds())
	c.StopTimesIn.Set(float64(rep.StopTimesIn))
	c.TripsSelected.Set(float64(rep.TripsSelected))
	c.SegmentsOut.Set(float64(rep.SegmentsOut))
	c.ShapesIndexed.Set(float64(rep.ShapesIndexed))
}

// Observer returns a segments.Observer feeding the progress and warning metrics.
func (c *Collector) Observer() segments.Observer { return observer{c} }

type observer struct{ c *Collector }

func (o observer) OnProgress(p segments.Progress) {
	if p.Total <= 0 {
		return
	}
	o.c.Progress.WithLabelValues(p.Stage).Set(float64(p.Done) / float64(p.Total))
}

func (o observer) OnWarning(w segments.Warning) {
	o.c.Warnings.WithLabelValues(string(w.Kind)).Inc()
}

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(b bool) {
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
