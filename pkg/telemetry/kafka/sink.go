// Package kafka produces telemetry events to a Kafka topic. Events are
// encoded as single-record JSON envelopes keyed by the reporting entity so
// per-entity ordering survives partitioning.
package kafka

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/clusterkite/kite/pkg/telemetry"
)

// Sink is the Kafka-backed telemetry sink. Produces are asynchronous;
// delivery failures feed a circuit breaker and while the breaker is open
// events are dropped with a counter instead of queueing behind a broken
// broker.
type Sink struct {
	cfg     Config
	key     string
	logger  log.Logger
	client  *kgo.Client
	breaker *gobreaker.CircuitBreaker
}

var _ telemetry.Sink = (*Sink)(nil)

// envelope is the wire shape of one produced record. Exactly one of the
// event fields is set, named by Type.
type envelope struct {
	Type         string                  `json:"type"`
	Key          string                  `json:"key"`
	EmittedAt    time.Time               `json:"emittedAt"`
	Availability *telemetry.Availability `json:"availability,omitempty"`
	Metric       *telemetry.Metric       `json:"metric,omitempty"`
	Health       *telemetry.Health       `json:"health,omitempty"`
}

func New(cfg Config, key string, logger log.Logger, reg prometheus.Registerer) (*Sink, error) {
	if !cfg.Enabled() {
		return nil, errors.New("no kafka brokers configured")
	}

	metrics := kprom.NewMetrics("kite_telemetry_kafka",
		kprom.Registerer(prometheus.WrapRegistererWith(prometheus.Labels{"telemetry_key": key}, reg)),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProduceRequestTimeout(cfg.WriteTimeout),
		kgo.RecordRetries(2),
		kgo.WithHooks(metrics),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka client")
	}

	s := &Sink{
		cfg:    cfg,
		key:    key,
		logger: logger,
		client: client,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telemetry-kafka",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metricBreakerTransitions.Inc()
			level.Warn(logger).Log("msg", "telemetry producer breaker changed state", "from", from.String(), "to", to.String())
		},
	})
	return s, nil
}

func (s *Sink) ReportAvailability(ctx context.Context, ev telemetry.Availability) error {
	return s.send(ctx, ev.Service, envelope{Type: telemetry.TypeAvailability, Availability: &ev})
}

func (s *Sink) ReportMetric(ctx context.Context, ev telemetry.Metric) error {
	return s.send(ctx, ev.Role, envelope{Type: telemetry.TypeMetric, Metric: &ev})
}

func (s *Sink) ReportHealth(ctx context.Context, ev telemetry.Health) error {
	entity := ev.Application
	if entity == "" {
		entity = ev.Service
	}
	if entity == "" {
		entity = "cluster"
	}
	return s.send(ctx, entity, envelope{Type: telemetry.TypeHealth, Health: &ev})
}

// Close drains buffered records, bounded by FlushTimeout.
func (s *Sink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()

	err := s.client.Flush(ctx)
	s.client.Close()
	return errors.Wrap(err, "flushing telemetry producer")
}

func (s *Sink) send(ctx context.Context, recordKey string, env envelope) error {
	if s.breaker.State() == gobreaker.StateOpen {
		metricDropped.WithLabelValues(env.Type).Inc()
		return nil
	}

	env.Key = s.key
	env.EmittedAt = time.Now().UTC()
	payload, err := jsoniter.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encoding telemetry event")
	}

	// The record must outlive the caller's tick context; delivery is
	// bounded by the produce timeout instead.
	s.client.Produce(context.WithoutCancel(ctx), &kgo.Record{Key: []byte(recordKey), Value: payload}, func(_ *kgo.Record, err error) {
		_, _ = s.breaker.Execute(func() (interface{}, error) {
			if err != nil {
				metricFailures.WithLabelValues(env.Type).Inc()
				level.Warn(s.logger).Log("msg", "telemetry produce failed", "type", env.Type, "err", err)
				return nil, err
			}
			metricProduced.WithLabelValues(env.Type).Inc()
			return nil, nil
		})
	})
	return nil
}
