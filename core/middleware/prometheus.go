package middleware

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miladsoleymani/relaymux/core"
)

// PrometheusCollector records receiver and sender metrics under the
// relaymux namespace. It implements MetricsCollector.
type PrometheusCollector struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	published *prometheus.CounterVec
}

// NewPrometheusCollector creates the collectors and registers them with reg.
// Collectors already registered by an earlier call are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymux",
			Subsystem: "receiver",
			Name:      "messages_total",
			Help:      "Messages dispatched to receiver handlers, by outcome.",
		}, []string{"destination", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaymux",
			Subsystem: "receiver",
			Name:      "handle_duration_seconds",
			Help:      "Time spent in receiver handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymux",
			Subsystem: "sender",
			Name:      "publish_total",
			Help:      "Publish attempts, by outcome code.",
		}, []string{"destination", "code"}),
	}
	var err error
	if c.processed, err = register(reg, c.processed); err != nil {
		return nil, err
	}
	if c.duration, err = register(reg, c.duration); err != nil {
		return nil, err
	}
	if c.published, err = register(reg, c.published); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (p *PrometheusCollector) MessageProcessed(destination string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	p.processed.WithLabelValues(destination, outcome).Inc()
	p.duration.WithLabelValues(destination).Observe(duration.Seconds())
}

// MessageSkipped counts deliveries dropped before dispatch, such as
// messages sent by this instance.
func (p *PrometheusCollector) MessageSkipped(destination string) {
	p.processed.WithLabelValues(destination, "skipped").Inc()
}

// PublishCompleted counts one publish attempt.
func (p *PrometheusCollector) PublishCompleted(destination string, err error) {
	code := "ok"
	if err != nil {
		code = string(core.CodeOf(err))
	}
	p.published.WithLabelValues(destination, code).Inc()
}
