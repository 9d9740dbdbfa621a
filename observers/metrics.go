package observers

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values
const (
	outcomeSuccess  = "success"
	outcomeError    = "error"
	outcomeRejected = "rejected"
)

// MetricsObserver records publish and consume counts and latencies
type MetricsObserver struct {
	published       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	consumed        *prometheus.CounterVec
	consumeDuration *prometheus.HistogramVec
}

// NewMetricsObserver registers the actor metrics with reg. A nil reg uses
// the prometheus default registerer. Registering twice against the same
// registry reuses the existing collectors.
func NewMetricsObserver(reg prometheus.Registerer, namespace string) (*MetricsObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "rabbitmq_actors"
	}

	published, err := registerCounter(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "published_total",
		Help:      "Messages published per queue, operation and outcome",
	}, []string{"queue", "operation", "outcome"}))
	if err != nil {
		return nil, err
	}

	publishDuration, err := registerHistogram(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "publish_duration_seconds",
		Help:      "Publish latency per queue and operation",
		Buckets:   prometheus.DefBuckets,
	}, []string{"queue", "operation"}))
	if err != nil {
		return nil, err
	}

	consumed, err := registerCounter(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumed_total",
		Help:      "Deliveries handled per queue and outcome",
	}, []string{"queue", "outcome"}))
	if err != nil {
		return nil, err
	}

	consumeDuration, err := registerHistogram(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "consume_duration_seconds",
		Help:      "Handler latency per queue",
		Buckets:   prometheus.DefBuckets,
	}, []string{"queue"}))
	if err != nil {
		return nil, err
	}

	return &MetricsObserver{
		published:       published,
		publishDuration: publishDuration,
		consumed:        consumed,
		consumeDuration: consumeDuration,
	}, nil
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func registerHistogram(reg prometheus.Registerer, h *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return h, nil
}

// ExecutePublish implements Observer
func (o *MetricsObserver) ExecutePublish(ctx context.Context, pc PublishContext, next PublishFunc) error {
	start := time.Now()
	err := next(ctx)

	op := string(pc.Operation)
	o.publishDuration.WithLabelValues(pc.QueueName, op).Observe(time.Since(start).Seconds())
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeError
	}
	o.published.WithLabelValues(pc.QueueName, op, outcome).Inc()

	return err
}

// ExecuteConsume implements Observer
func (o *MetricsObserver) ExecuteConsume(ctx context.Context, cc ConsumeContext, next ConsumeFunc) (bool, error) {
	start := time.Now()
	ok, err := next(ctx)

	o.consumeDuration.WithLabelValues(cc.QueueName).Observe(time.Since(start).Seconds())
	outcome := outcomeSuccess
	switch {
	case err != nil:
		outcome = outcomeError
	case !ok:
		outcome = outcomeRejected
	}
	o.consumed.WithLabelValues(cc.QueueName, outcome).Inc()

	return ok, err
}

// Name implements Observer
func (o *MetricsObserver) Name() string {
	return "MetricsObserver"
}
