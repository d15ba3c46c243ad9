package syncbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"

	txerrors "github.com/mirkobrombin/go-txlease/v1/errors"
)

// KafkaBus implements Bus using a Kafka backend. All keys share
// RevocationTopic, which must exist; the message key is the bus key.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	routes   *router

	startMu   sync.Mutex
	started   bool
	pcs       []sarama.PartitionConsumer
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBusFrom(producer, consumer)
	b.client = client
	return b, nil
}

// NewKafkaBusFrom builds a KafkaBus around an existing producer and consumer.
func NewKafkaBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		routes:   newRouter(),
	}
}

// Start consumes every partition of RevocationTopic from the newest offset.
// Only messages produced afterwards are observed. Later calls are no-ops.
func (b *KafkaBus) Start(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.routes.isClosed() {
		return txerrors.ErrConnectionClosed
	}
	if b.started {
		return nil
	}
	partitions, err := b.consumer.Partitions(RevocationTopic)
	if err != nil {
		return fmt.Errorf("syncbus: partitions of %s: %w", RevocationTopic, err)
	}
	var pcs []sarama.PartitionConsumer
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(RevocationTopic, p, sarama.OffsetNewest)
		if err != nil {
			for _, c := range pcs {
				_ = c.Close()
			}
			return fmt.Errorf("syncbus: consume %s/%d: %w", RevocationTopic, p, err)
		}
		pcs = append(pcs, pc)
	}
	for _, pc := range pcs {
		go b.dispatch(pc)
	}
	b.pcs = pcs
	b.started = true
	return nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.delivered.Add(b.routes.deliver(string(msg.Key)))
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.routes.isClosed() {
		return txerrors.ErrConnectionClosed
	}
	msg := &sarama.ProducerMessage{
		Topic: RevocationTopic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder("revoke"),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		if errors.Is(err, sarama.ErrClosedClient) {
			return txerrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	ch, ok := b.routes.add(key)
	if !ok {
		return nil, txerrors.ErrConnectionClosed
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.routes.remove(key, ch)
	return nil
}

// Subscribers returns the number of local subscriptions on key.
func (b *KafkaBus) Subscribers(key string) int {
	return b.routes.count(key)
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close releases the partition consumers, producer, consumer and, when the
// bus created it, the underlying client.
func (b *KafkaBus) Close() error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if !b.routes.close() {
		return nil
	}
	var errs []error
	for _, pc := range b.pcs {
		errs = append(errs, pc.Close())
	}
	b.pcs = nil
	errs = append(errs, b.producer.Close(), b.consumer.Close())
	if b.client != nil && !b.client.Closed() {
		errs = append(errs, b.client.Close())
	}
	return errors.Join(errs...)
}
