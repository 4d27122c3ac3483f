package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"qrnotify/internal/config"
	"qrnotify/internal/domain"
	"qrnotify/internal/metrics"
	logx "qrnotify/pkg/logx"
)

// KafkaSource consumes raw events from a topic, one event (or array) per
// message, and feeds them to the pipeline.
type KafkaSource struct {
	topic   string
	group   sarama.ConsumerGroup
	sink    Enqueuer
	metrics *metrics.Metrics
	log     logx.Logger

	drain sync.Once
}

// NewKafkaSource joins cfg.Group on cfg.Brokers.
func NewKafkaSource(cfg config.KafkaConfig, sink Enqueuer, m *metrics.Metrics, log logx.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	sc := sarama.NewConfig()
	sc.ClientID = "qrnotify"
	sc.Version = sarama.V2_1_0_0
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	g, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka: consumer group: %w", err)
	}
	return newKafkaSource(cfg.Topic, g, sink, m, log), nil
}

func newKafkaSource(topic string, g sarama.ConsumerGroup, sink Enqueuer, m *metrics.Metrics, log logx.Logger) *KafkaSource {
	return &KafkaSource{
		topic:   topic,
		group:   g,
		sink:    sink,
		metrics: m,
		log:     log.Named("events.kafka").With(logx.String("topic", topic)),
	}
}

// Run consumes until ctx ends or the group is closed. Rebalances and broker
// errors restart the session with backoff.
func (k *KafkaSource) Run(ctx context.Context) error {
	// Run is restarted by the supervisor; one reader serves every session.
	k.drain.Do(func() {
		if errs := k.group.Errors(); errs != nil {
			go func() {
				for err := range errs {
					k.log.Warn("kafka consumer error", logx.Err(err))
				}
			}()
		}
	})

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := k.group.Consume(ctx, []string{k.topic}, k)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err == nil {
			// A rebalance ended the session.
			backoff = time.Second
			continue
		}
		k.log.Warn("kafka consume failed", logx.Duration("backoff", backoff), logx.Err(err))
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (k *KafkaSource) Close() error { return k.group.Close() }

func (k *KafkaSource) Setup(s sarama.ConsumerGroupSession) error {
	k.log.Info("kafka session started", logx.String("member", s.MemberID()), logx.Any("claims", s.Claims()))
	return nil
}

func (k *KafkaSource) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks a message once all of its facts are queued. Malformed
// messages are marked and skipped; a full queue holds the partition back.
func (k *KafkaSource) ConsumeClaim(s sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := s.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			facts, err := Translate(msg.Value)
			if err != nil {
				k.metrics.Event("kafka", "malformed")
				k.log.Warn("kafka message skipped",
					logx.Int("partition", int(msg.Partition)),
					logx.Int64("offset", msg.Offset),
					logx.Err(err))
				s.MarkMessage(msg, "")
				continue
			}
			if err := k.enqueue(ctx, facts); err != nil {
				// Not marked; redelivered after the next rebalance.
				return nil
			}
			k.metrics.Event("kafka", "accepted")
			s.MarkMessage(msg, "")
		}
	}
}

func (k *KafkaSource) enqueue(ctx context.Context, facts []domain.TriggerFact) error {
	wait := 50 * time.Millisecond
	for len(facts) > 0 {
		n, err := k.sink.Enqueue(ctx, facts...)
		facts = facts[n:]
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrQueueFull) {
			return err
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if wait *= 2; wait > time.Second {
			wait = time.Second
		}
	}
	return nil
}
