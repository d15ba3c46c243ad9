package syncbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"

	txerrors "github.com/mirkobrombin/go-txlease/v1/errors"
)

func TestKafkaBusWithMocks(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{RevocationTopic: {0, 1}})
	consumer.ExpectConsumePartition(RevocationTopic, 0, sarama.OffsetNewest)
	pc1 := consumer.ExpectConsumePartition(RevocationTopic, 1, sarama.OffsetNewest)

	bus := NewKafkaBusFrom(producer, consumer)
	ctx := context.Background()

	ch, err := SubscribeLease(ctx, bus, "lease-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, err := SubscribeLease(ctx, bus, "lease-2")
	if err != nil {
		t.Fatalf("subscribe other: %v", err)
	}

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if msg.Topic != RevocationTopic || string(key) != LeaseKey("lease-1") {
			return fmt.Errorf("unexpected message %s/%s", msg.Topic, key)
		}
		return nil
	})
	if err := RevokeLease(ctx, bus, "lease-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	pc1.YieldMessage(&sarama.ConsumerMessage{Topic: RevocationTopic, Partition: 1, Key: []byte(LeaseKey("lease-1")), Value: []byte("revoke")})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for revocation")
	}
	select {
	case <-other:
		t.Fatal("revocation for lease-1 delivered to lease-2")
	default:
	}
	waitDelivered(t, bus.Metrics, 1)
	if m := bus.Metrics(); m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Publish(ctx, "any"); !errors.Is(err, txerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestKafkaBusPublishError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	bus := NewKafkaBusFrom(producer, consumer)
	defer bus.Close()

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	if err := bus.Publish(context.Background(), "key"); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected ErrOutOfBrokers, got %v", err)
	}
	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("expected no successful publish, got %d", m.Published)
	}
}

func TestKafkaBusMissingTopic(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{"other": {0}})
	bus := NewKafkaBusFrom(producer, consumer)
	defer bus.Close()

	if err := bus.Start(context.Background()); !errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
		t.Fatalf("expected ErrUnknownTopicOrPartition, got %v", err)
	}
}

func TestKafkaBusRealBroker(t *testing.T) {
	addr := os.Getenv("TXLEASE_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("TXLEASE_TEST_KAFKA_ADDR not set, skipping Kafka integration test")
	}
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	bus, err := NewKafkaBus([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	defer bus.Close()

	ctx := context.Background()
	id := uuid.NewString()
	// auto-creates the shared topic on brokers that allow it
	if err := RevokeLease(ctx, bus, id); err != nil {
		t.Fatalf("prime topic: %v", err)
	}
	ch, err := SubscribeLease(ctx, bus, id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(2 * time.Second)
	if err := RevokeLease(ctx, bus, id); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for revocation")
	}
}
