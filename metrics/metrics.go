// Package metrics exposes training progress as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/xraytrain/datasets"
)

// TrainingMetrics holds the gauges and counters of a run.
type TrainingMetrics struct {
	Epoch              prometheus.Gauge
	Loss               prometheus.Gauge
	Accuracy           prometheus.Gauge
	ValidationLoss     prometheus.Gauge
	ValidationAccuracy prometheus.Gauge
	Steps              prometheus.Counter
	StepDuration       prometheus.Histogram
}

// NewTrainingMetrics creates the metrics and registers them with reg.
func NewTrainingMetrics(reg prometheus.Registerer) (*TrainingMetrics, error) {
	m := &TrainingMetrics{
		Epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xraytrain_epoch",
			Help: "Last completed epoch",
		}),
		Loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xraytrain_loss",
			Help: "Mean training loss of the last epoch",
		}),
		Accuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xraytrain_categorical_accuracy",
			Help: "Mean training accuracy of the last epoch",
		}),
		ValidationLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xraytrain_val_loss",
			Help: "Validation loss of the last epoch",
		}),
		ValidationAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xraytrain_val_categorical_accuracy",
			Help: "Validation accuracy of the last epoch",
		}),
		Steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xraytrain_steps_total",
			Help: "Training steps run",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xraytrain_step_duration_seconds",
			Help:    "Wall time of a training step, data wait included",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
	for _, c := range []prometheus.Collector{
		m.Epoch, m.Loss, m.Accuracy, m.ValidationLoss, m.ValidationAccuracy, m.Steps, m.StepDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register training metrics")
		}
	}
	return m, nil
}

// ObserveStep records one training step.
func (m *TrainingMetrics) ObserveStep(d time.Duration) {
	m.Steps.Inc()
	m.StepDuration.Observe(d.Seconds())
}

// OnEpochEnd updates the gauges from the epoch logs. Missing keys leave the
// matching gauge untouched.
func (m *TrainingMetrics) OnEpochEnd(epoch int, logs map[string]float64) error {
	m.Epoch.Set(float64(epoch))
	set := func(g prometheus.Gauge, key string) {
		if v, ok := logs[key]; ok {
			g.Set(v)
		}
	}
	set(m.Loss, "loss")
	set(m.Accuracy, "categorical_accuracy")
	set(m.ValidationLoss, "val_loss")
	set(m.ValidationAccuracy, "val_categorical_accuracy")
	return nil
}

// ObservePipeline registers counters that read a dataset's stats on scrape.
// name ends up in the "pipeline" label.
func ObservePipeline(reg prometheus.Registerer, name string, stats func() datasets.Stats) error {
	labels := prometheus.Labels{"pipeline": name}
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "xraytrain_records_read_total",
			Help:        "Records read from the shards",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().RecordsRead) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "xraytrain_examples_decoded_total",
			Help:        "Examples decoded and normalized",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().ExamplesDecoded) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "xraytrain_batches_yielded_total",
			Help:        "Batches handed to the consumer",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().BatchesYielded) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return errors.Wrapf(err, "register %s pipeline metrics", name)
		}
	}
	return nil
}

// Serve exposes the registry on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	klog.Infof("serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
