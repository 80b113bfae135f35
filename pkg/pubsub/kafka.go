package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"

	"github.com/weiawesome/yams-chat/pkg/log"
)

// kafkaSubscription tracks a single consumer subscription.
type kafkaSubscription struct {
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
}

// KafkaPubSub implements PubSub on Kafka. A channel maps to a topic and
// the event's chat id is the message key, which keeps one chat's events in
// partition order.
type KafkaPubSub struct {
	producer      *kafka.Producer
	subscriptions map[string]*kafkaSubscription
	ensured       map[string]struct{}
	config        KafkaConfig
	mu            sync.Mutex
	doneCh        chan struct{}
}

// NewKafkaPubSub creates a Kafka-based PubSub instance.
func NewKafkaPubSub(cfg KafkaConfig) (*KafkaPubSub, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "all",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	if cfg.ConsumerID == "" {
		cfg.ConsumerID = uuid.New().String()
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "yams-chat"
	}

	kps := &KafkaPubSub{
		producer:      p,
		subscriptions: make(map[string]*kafkaSubscription),
		ensured:       make(map[string]struct{}),
		config:        cfg,
		doneCh:        make(chan struct{}),
	}

	go kps.deliveryReportHandler()

	return kps, nil
}

// ensureTopic creates the topic once per process if it does not exist.
// Caller holds k.mu.
func (k *KafkaPubSub) ensureTopic(topic string) {
	if _, ok := k.ensured[topic]; ok {
		return
	}

	logger := log.L().With().Str("component", "kafka_pubsub").Str("topic", topic).Logger()

	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to create admin client")
		return
	}
	defer admin.Close()

	partitions := k.config.Partitions
	if partitions <= 0 {
		partitions = 4
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to create topic (may already exist)")
		return
	}

	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			logger.Warn().Err(r.Error).Msg("failed to create topic")
			return
		}
	}
	k.ensured[topic] = struct{}{}
}

// deliveryReportHandler drains producer events for the lifetime of the producer.
func (k *KafkaPubSub) deliveryReportHandler() {
	logger := log.L().With().Str("component", "kafka_pubsub").Logger()
	for e := range k.producer.Events() {
		if ev, ok := e.(*kafka.Message); ok && ev.TopicPartition.Error != nil {
			logger.Warn().Err(ev.TopicPartition.Error).Msg("async delivery failed")
		}
	}
	close(k.doneCh)
}

// Publish produces the event and waits for the broker acknowledgement or
// ctx cancellation, so a nil error means the event is durable on the topic.
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	topic, err := channelToTopic(channel)
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	k.mu.Lock()
	k.ensureTopic(topic)
	k.mu.Unlock()

	deliveryCh := make(chan kafka.Event, 1)
	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(partitionKey(event)),
		Value: data,
	}, deliveryCh)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case e := <-deliveryCh:
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			return fmt.Errorf("kafka delivery failed: %w", m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe consumes every event on the channel's topic. Each process uses
// its own consumer group so the topic behaves as a broadcast.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	topic, err := channelToTopic(channel)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	if existing, ok := k.subscriptions[channel]; ok {
		existing.stop()
		delete(k.subscriptions, channel)
	}
	k.ensureTopic(topic)
	k.mu.Unlock()

	groupID := sanitizeGroupID(fmt.Sprintf("%s-%s", k.config.GroupID, k.config.ConsumerID))
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       k.config.Brokers,
		"group.id":                groupID,
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	rebalance, assigned := assignmentSignal()
	if err := c.Subscribe(topic, rebalance); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{consumer: c, cancel: cancel, done: make(chan struct{})}

	eventCh := make(chan *Event, bufferOrDefault(k.config.Buffer))
	go k.consumeMessages(subCtx, sub, eventCh)

	// With auto.offset.reset=latest nothing published before the first
	// assignment is ever read, so the stream is not live until then.
	if err := awaitAssignment(ctx, assigned, sub.done, k.config.AssignTimeout); err != nil {
		sub.stop()
		return nil, fmt.Errorf("kafka topic %s: %w", topic, err)
	}

	k.mu.Lock()
	if existing, ok := k.subscriptions[channel]; ok {
		existing.stop()
	}
	k.subscriptions[channel] = sub
	k.mu.Unlock()

	return eventCh, nil
}

var errNoAssignment = errors.New("consumer group was not assigned partitions")

// assignmentSignal returns a rebalance callback and a channel closed on the
// first partition assignment. The callback runs inside Poll.
func assignmentSignal() (kafka.RebalanceCb, <-chan struct{}) {
	assigned := make(chan struct{})
	var once sync.Once
	cb := func(_ *kafka.Consumer, ev kafka.Event) error {
		if _, ok := ev.(kafka.AssignedPartitions); ok {
			once.Do(func() { close(assigned) })
		}
		return nil
	}
	return cb, assigned
}

// awaitAssignment waits for assigned, failing when the poll loop exits,
// ctx ends or timeout passes.
func awaitAssignment(ctx context.Context, assigned, pollDone <-chan struct{}, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-assigned:
		return nil
	case <-pollDone:
		return errNoAssignment
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w within %s", errNoAssignment, timeout)
	}
}

// consumeMessages polls Kafka and forwards events to the channel.
func (k *KafkaPubSub) consumeMessages(ctx context.Context, sub *kafkaSubscription, eventCh chan<- *Event) {
	defer close(sub.done)
	defer close(eventCh)

	logger := log.L().With().Str("component", "kafka_pubsub").Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev := sub.consumer.Poll(500)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			var event Event
			if err := json.Unmarshal(e.Value, &event); err != nil {
				logger.Warn().Err(err).Msg("dropping undecodable event")
				continue
			}

			select {
			case eventCh <- &event:
			case <-ctx.Done():
				return
			}

		case kafka.Error:
			logger.Error().Err(e).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).Msg("consumer error")
			if e.IsFatal() {
				return
			}
		}
	}
}

// stop cancels the poll loop and closes the consumer once it has exited.
func (s *kafkaSubscription) stop() {
	s.cancel()
	<-s.done
	s.consumer.Close()
}

// Unsubscribe stops the consumer of a channel.
func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if sub, ok := k.subscriptions[channel]; ok {
		delete(k.subscriptions, channel)
		sub.stop()
	}

	return nil
}

// Close closes all subscriptions and the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	for key, sub := range k.subscriptions {
		sub.stop()
		delete(k.subscriptions, key)
	}
	k.mu.Unlock()

	k.producer.Flush(5000)
	k.producer.Close()
	<-k.doneCh

	return nil
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(s, "-")
}
