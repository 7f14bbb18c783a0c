package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"pfb/internal/model"
	"pfb/internal/validate"
)

// KafkaSource replays the order and line topics from the beginning to their
// high watermarks, a bounded read of an event log rather than an open-ended
// subscription. The products topic is optional; without it the run skips
// product reference checks.
type KafkaSource struct {
	Bootstrap     string
	GroupID       string
	OrdersTopic   string
	LinesTopic    string
	ProductsTopic string
}

func NewKafkaSource(bootstrap, groupID, ordersTopic, linesTopic, productsTopic string) *KafkaSource {
	return &KafkaSource{
		Bootstrap:     bootstrap,
		GroupID:       groupID,
		OrdersTopic:   ordersTopic,
		LinesTopic:    linesTopic,
		ProductsTopic: productsTopic,
	}
}

func (s *KafkaSource) Name() string { return "kafka:" + s.OrdersTopic }

// replayTopic reads every partition of topic from earliest to the high
// watermark captured at start, then stops.
func (s *KafkaSource) replayTopic(ctx context.Context, topic string, fn func(value []byte) error) error {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  s.Bootstrap,
		"group.id":           s.GroupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	defer c.Close()

	meta, err := c.GetMetadata(&topic, false, 10000)
	if err != nil {
		return fmt.Errorf("metadata %s: %w", topic, err)
	}
	tm, ok := meta.Topics[topic]
	if !ok || len(tm.Partitions) == 0 {
		return fmt.Errorf("topic %s has no partitions", topic)
	}

	remaining := make(map[int32]int64) // partition -> exclusive high watermark
	var assign []ck.TopicPartition
	for _, p := range tm.Partitions {
		low, high, err := c.QueryWatermarkOffsets(topic, p.ID, 10000)
		if err != nil {
			return fmt.Errorf("watermarks %s[%d]: %w", topic, p.ID, err)
		}
		if high > low {
			remaining[p.ID] = high
			assign = append(assign, ck.TopicPartition{Topic: &topic, Partition: p.ID, Offset: ck.Offset(low)})
		}
	}
	if len(assign) == 0 {
		return nil
	}
	if err := c.Assign(assign); err != nil {
		return fmt.Errorf("assign: %w", err)
	}

	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := c.ReadMessage(5 * time.Second)
		if err != nil {
			var ke ck.Error
			if errors.As(err, &ke) && ke.Code() == ck.ErrTimedOut {
				continue
			}
			return fmt.Errorf("read %s: %w", topic, err)
		}
		if err := fn(msg.Value); err != nil {
			return err
		}
		high := remaining[msg.TopicPartition.Partition]
		if int64(msg.TopicPartition.Offset)+1 >= high {
			delete(remaining, msg.TopicPartition.Partition)
			if err := c.IncrementalUnassign([]ck.TopicPartition{msg.TopicPartition}); err != nil {
				return fmt.Errorf("unassign: %w", err)
			}
		}
	}
	return nil
}

func (s *KafkaSource) Orders(ctx context.Context, fn func(model.Order) error) error {
	return s.replayTopic(ctx, s.OrdersTopic, func(value []byte) error {
		var o model.Order
		if err := json.Unmarshal(value, &o); err != nil {
			return fmt.Errorf("%s: decode order: %v (%w)", s.OrdersTopic, err, validate.ErrMalformedInput)
		}
		return fn(o)
	})
}

func (s *KafkaSource) Lines(ctx context.Context, fn func(model.OrderLine) error) error {
	return s.replayTopic(ctx, s.LinesTopic, func(value []byte) error {
		var l model.OrderLine
		if err := json.Unmarshal(value, &l); err != nil {
			return fmt.Errorf("%s: decode line: %v (%w)", s.LinesTopic, err, validate.ErrMalformedInput)
		}
		return fn(l)
	})
}

func (s *KafkaSource) Products(ctx context.Context, fn func(model.Product) error) error {
	if s.ProductsTopic == "" {
		return nil
	}
	return s.replayTopic(ctx, s.ProductsTopic, func(value []byte) error {
		var p model.Product
		if err := json.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("%s: decode product: %v (%w)", s.ProductsTopic, err, validate.ErrMalformedInput)
		}
		return fn(p)
	})
}

// Aisle and department dimensions have no topic form; runs that need them
// checked use the csv or postgres source.
func (s *KafkaSource) Aisles(ctx context.Context, fn func(model.Aisle) error) error { return nil }

func (s *KafkaSource) Departments(ctx context.Context, fn func(model.Department) error) error {
	return nil
}
