// Package metrics exposes Prometheus collectors for the feeder.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"pricefeeder/internal/attest"
	"pricefeeder/internal/deviation"
	"pricefeeder/internal/eventbus"
	"pricefeeder/internal/submit"
)

const namespace = "pricefeeder"

// Metrics owns a private registry so tests and multiple instances don't
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	skipped     *prometheus.CounterVec
	submissions *prometheus.CounterVec
	submitTime  *prometheus.HistogramVec
	attempts    *prometheus.CounterVec
	deviation   *prometheus.GaugeVec
	price       *prometheus.GaugeVec
	priceTime   *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Completed job runs by coin, kind and result.",
		}, []string{"coin", "kind", "result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_duration_seconds",
			Help:      "Duration of job runs.",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_ticks_skipped_total",
			Help:      "Ticks skipped because the previous run was still in flight.",
		}, []string{"coin", "kind"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Terminal submission outcomes.",
		}, []string{"coin", "backend", "result"}),
		submitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_seconds",
			Help:      "Submission latency including retries.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"backend"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notarizer_attempts_total",
			Help:      "Attestation requests per notarizer endpoint.",
		}, []string{"endpoint", "result"}),
		deviation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deviation_pct",
			Help:      "Last computed deviation from the tracked price, in percent.",
		}, []string{"coin"}),
		price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price",
			Help:      "Last attested price.",
		}, []string{"coin"}),
		priceTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price_timestamp_seconds",
			Help:      "Timestamp of the last attested price.",
		}, []string{"coin"}),
	}
	m.reg.MustRegister(
		m.runs, m.runDuration, m.skipped,
		m.submissions, m.submitTime,
		m.attempts, m.deviation, m.price, m.priceTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveAttempt matches attest.RetrieverOptions.OnAttempt.
func (m *Metrics) ObserveAttempt(ep attest.Endpoint, err error) {
	m.attempts.WithLabelValues(ep.String(), result(err)).Inc()
}

// ObserveSubmission matches submit.Submitter.OnResult.
func (m *Metrics) ObserveSubmission(backend string, res submit.Result, took time.Duration) {
	r := "ok"
	if !res.OK() {
		r = "error"
	}
	m.submissions.WithLabelValues(res.Coin, backend, r).Inc()
	m.submitTime.WithLabelValues(backend).Observe(took.Seconds())
}

func (m *Metrics) ObserveDecision(coin string, d deviation.Decision) {
	m.deviation.WithLabelValues(coin).Set(d.DeviationPct)
}

// Queue is the admission queue view exported as gauges.
type Queue interface {
	Snapshot() submit.QueueStats
}

// RegisterQueue exports the queue's waiting and in-flight counts.
func (m *Metrics) RegisterQueue(q Queue) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "waiting",
			Help: "Submissions waiting for a queue slot.",
		}, func() float64 { return float64(q.Snapshot().Waiting) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "in_flight",
			Help: "Submissions currently executing.",
		}, func() float64 { return float64(q.Snapshot().InFlight) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "workers",
			Help: "Configured queue concurrency.",
		}, func() float64 { return float64(q.Snapshot().Workers) }),
	}
	for _, g := range gauges {
		if err := m.reg.Register(g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// Consume turns bus events into metrics until ctx is done or the
// subscription closes.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.observe(ev)
		}
	}
}

func (m *Metrics) observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case eventbus.JobEvent:
		switch ev.Type {
		case eventbus.JobFinished, eventbus.JobFailed:
			m.runs.WithLabelValues(d.Coin, d.Kind, result(d.Err)).Inc()
			m.runDuration.WithLabelValues(d.Kind).Observe(d.Duration.Seconds())
		case eventbus.JobSkipped:
			m.skipped.WithLabelValues(d.Coin, d.Kind).Inc()
		}
	case eventbus.PriceEvent:
		if p, err := decimal.NewFromString(d.Price); err == nil {
			f, _ := p.Float64()
			m.price.WithLabelValues(d.Coin).Set(f)
		}
		if d.Timestamp > 0 {
			m.priceTime.WithLabelValues(d.Coin).Set(float64(d.Timestamp) / 1000)
		}
	}
}
