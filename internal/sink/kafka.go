package sink

import (
	"context"
	"encoding/json"
	"fmt"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"pfb/internal/feature"
)

// KafkaSink produces one JSON message per row, keyed user:product:snapshot
// so re-runs of the same input overwrite rather than duplicate on a
// compacted topic. The producer is idempotent.
type KafkaSink struct {
	producer *ck.Producer
	topic    string
}

func NewKafkaSink(bootstrap, topic string) (*KafkaSink, error) {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	return &KafkaSink{producer: p, topic: topic}, nil
}

func (k *KafkaSink) Name() string { return "kafka:" + k.topic }

func (k *KafkaSink) Write(_ context.Context, r feature.Row) error {
	b, err := json.Marshal(&r)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	msg := &ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &k.topic, Partition: ck.PartitionAny},
		Key:            []byte(r.Key()),
		Value:          b,
	}
	// Block on queue-full instead of dropping; delivery errors surface on
	// the final flush.
	for {
		err := k.producer.Produce(msg, nil)
		if err == nil {
			return nil
		}
		ke, ok := err.(ck.Error)
		if !ok || ke.Code() != ck.ErrQueueFull {
			return fmt.Errorf("produce: %w", err)
		}
		k.producer.Flush(1000)
	}
}

func (k *KafkaSink) Close(ctx context.Context) error {
	defer k.producer.Close()
	for k.producer.Flush(5000) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	for {
		select {
		case ev := <-k.producer.Events():
			if m, ok := ev.(*ck.Message); ok && m.TopicPartition.Error != nil {
				return fmt.Errorf("delivery: %w", m.TopicPartition.Error)
			}
		default:
			return nil
		}
	}
}
