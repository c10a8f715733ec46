// internal/monitoring/metrics.go
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const namespace = "seglearn"

// Collector - training metrics on a private registry
type Collector struct {
	registry *prometheus.Registry

	iterations    *prometheus.CounterVec
	lossTerms     *prometheus.GaugeVec
	epochLoss     *prometheus.GaugeVec
	learningRate  prometheus.Gauge
	gradNorm      prometheus.Histogram
	passDuration  *prometheus.HistogramVec
	snapshots     prometheus.Counter
	snapshotLive  prometheus.Gauge
	heads         prometheus.Gauge
	meanDice      *prometheus.GaugeVec
	lossMode      *prometheus.GaugeVec
	mirrorFailure prometheus.Counter
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Training iterations run, by task.",
		}, []string{"task"}),
		lossTerms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loss_term",
			Help:      "Last value of each loss term.",
		}, []string{"task", "term"}),
		epochLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch_loss",
			Help:      "Mean training loss of the last finished epoch.",
		}, []string{"task"}),
		learningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_rate",
			Help:      "Current learning rate.",
		}),
		gradNorm: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grad_norm",
			Help:      "Global gradient norm before clipping.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of auxiliary passes (importance, thresholds, validation).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pass"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Frozen model snapshots taken.",
		}),
		snapshotLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_live",
			Help:      "1 while a frozen snapshot is held.",
		}),
		heads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heads",
			Help:      "Task heads in the registry.",
		}),
		meanDice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_mean_dice",
			Help:      "Mean foreground Dice of the last validation.",
		}, []string{"task"}),
		lossMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loss_mode",
			Help:      "1 for the active loss mode.",
		}, []string{"mode"}),
		mirrorFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_mirror_failures_total",
			Help:      "Artifact uploads that failed.",
		}),
	}
	c.registry.MustRegister(
		c.iterations, c.lossTerms, c.epochLoss, c.learningRate, c.gradNorm,
		c.passDuration, c.snapshots, c.snapshotLive, c.heads, c.meanDice,
		c.lossMode, c.mirrorFailure,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveIteration - one optimizer step
func (c *Collector) ObserveIteration(task string, terms map[string]float64, gradNorm float64) {
	c.iterations.WithLabelValues(task).Inc()
	for term, v := range terms {
		c.lossTerms.WithLabelValues(task, term).Set(v)
	}
	c.gradNorm.Observe(gradNorm)
}

func (c *Collector) ObserveEpoch(task string, loss, lr float64) {
	c.epochLoss.WithLabelValues(task).Set(loss)
	c.learningRate.Set(lr)
}

// ObservePass - pass is "importance", "thresholds" or "validation"
func (c *Collector) ObservePass(pass string, d time.Duration) {
	c.passDuration.WithLabelValues(pass).Observe(d.Seconds())
}

func (c *Collector) SnapshotFrozen() {
	c.snapshots.Inc()
	c.snapshotLive.Set(1)
}

func (c *Collector) SnapshotReleased() { c.snapshotLive.Set(0) }

func (c *Collector) SetHeads(n int) { c.heads.Set(float64(n)) }

func (c *Collector) SetDice(task string, mean float64) { c.meanDice.WithLabelValues(task).Set(mean) }

// SetLossMode - exactly one mode label reads 1
func (c *Collector) SetLossMode(active string, modes ...string) {
	for _, m := range modes {
		v := 0.0
		if m == active {
			v = 1
		}
		c.lossMode.WithLabelValues(m).Set(v)
	}
}

func (c *Collector) MirrorFailed() { c.mirrorFailure.Inc() }

// Handler - fasthttp handler serving /metrics and /healthz
func (c *Collector) Handler() fasthttp.RequestHandler {
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metrics(ctx)
		case "/healthz":
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString("ok")
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}
}
