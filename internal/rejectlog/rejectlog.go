// Package rejectlog records every input record the run refused, one JSON
// line each, so a batch is auditable after the fact.
package rejectlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"

	"pfb/internal/validate"
)

const (
	KindMalformed  = "malformed_input"
	KindMissingRef = "missing_reference"
)

// Record is one rejected input record. Zero-valued ids are omitted; the ids
// present identify what was rejected.
type Record struct {
	Kind        string `json:"kind"`
	UserID      int64  `json:"userId,omitempty"`
	OrderID     int64  `json:"orderId,omitempty"`
	OrderNumber int    `json:"orderNumber,omitempty"`
	ProductID   int64  `json:"productId,omitempty"`
	Reason      string `json:"reason"`
	TS          int64  `json:"ts,omitempty"`
}

// Key is the partition key: rejections for one user land together.
func (r Record) Key() string { return strconv.FormatInt(r.UserID, 10) }

// FromError maps a validation error onto a Record. Unrecognized errors come
// back as malformed with the raw message.
func FromError(err error) Record {
	var se *validate.SequenceError
	if errors.As(err, &se) {
		return Record{
			Kind:        KindMalformed,
			UserID:      se.UserID,
			OrderID:     se.OrderID,
			OrderNumber: se.OrderNumber,
			Reason:      se.Reason,
		}
	}
	var re *validate.ReferenceError
	if errors.As(err, &re) {
		return Record{
			Kind:      KindMissingRef,
			UserID:    re.UserID,
			OrderID:   re.OrderID,
			ProductID: re.ProductID,
			Reason:    re.Reason,
		}
	}
	kind := KindMalformed
	if errors.Is(err, validate.ErrMissingReference) {
		kind = KindMissingRef
	}
	return Record{Kind: kind, Reason: err.Error()}
}

type Writer interface {
	Append(r Record) error
}

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(r Record) error {
	for _, w := range m.writers {
		if err := w.Append(r); err != nil {
			return err
		}
	}
	return nil
}

type FileWriter struct {
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Append(r Record) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(&r); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// KafkaWriter publishes rejections to a Kafka topic. Pure-Go client
// (segmentio/kafka-go).
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka writer.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	addrs := strings.Split(bootstrap, ",")
	var brokers []string
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

func (k *KafkaWriter) Append(r Record) error {
	b, err := json.Marshal(&r)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(
		context.Background(),
		kafka.Message{Key: []byte(r.Key()), Value: b},
	)
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}
