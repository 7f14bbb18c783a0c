// Package manifest publishes the completion record of a build run.
// Downstream consumers treat "manifest present" as "output complete": an
// aborted run publishes nothing, so partial sink contents are never mistaken
// for a finished table.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Manifest describes one completed run of the feature builder.
type Manifest struct {
	RunID           string   `json:"runId"`
	StartedAt       int64    `json:"startedAt"`
	FinishedAt      int64    `json:"finishedAt"`
	Input           string   `json:"input"`
	Outputs         []string `json:"outputs"`
	Orders          int64    `json:"orders"`
	Lines           int64    `json:"lines"`
	Rows            int64    `json:"rows"`
	RejectedUsers   int64    `json:"rejectedUsers"`
	RejectedRecords int64    `json:"rejectedRecords"`
	RowLimit        int      `json:"rowLimit"`
	Workers         int      `json:"workers"`
	SpoolBackend    string   `json:"spoolBackend"`
	// RowDigest is the order-independent SHA-256 over emitted rows; two runs
	// with the same digest produced the same row set regardless of order.
	RowDigest string `json:"rowDigest"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// Now is the epoch-second timestamp recorded in manifests.
func Now() int64 { return time.Now().UTC().Unix() }

type Publisher interface {
	Publish(m Manifest) error
}

type Reader interface {
	ReadLatest() (Manifest, error)
}

// MultiPublisherImpl fans out to multiple publishers sequentially.
type MultiPublisherImpl struct {
	pubs []Publisher
}

func MultiPublisher(pubs ...Publisher) Publisher {
	return &MultiPublisherImpl{pubs: pubs}
}

func (m *MultiPublisherImpl) Publish(man Manifest) error {
	for _, p := range m.pubs {
		if err := p.Publish(man); err != nil {
			return err
		}
	}
	return nil
}

// FilesystemManifest writes manifest.latest.json plus one immutable
// manifest.<runId>.json per run.
type FilesystemManifest struct {
	baseDir string
}

func NewFilesystemManifest(baseDir string) *FilesystemManifest {
	return &FilesystemManifest{baseDir: baseDir}
}

func (f *FilesystemManifest) Publish(m Manifest) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	for _, name := range []string{"manifest.latest.json", "manifest." + m.RunID + ".json"} {
		if err := f.writeFile(filepath.Join(f.baseDir, name), m); err != nil {
			return err
		}
	}
	return nil
}

func (f *FilesystemManifest) writeFile(path string, m Manifest) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer out.Close()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

func (f *FilesystemManifest) ReadLatest() (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, "manifest.latest.json"))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// ManifestKey is the record key on the compacted manifest topic, so the
// broker retains only the latest run.
const ManifestKey = "pfb-manifest-latest"

// KafkaManifest publishes the manifest as a compacted Kafka record.
type KafkaManifest struct {
	writer kafkaMessageWriter
	key    []byte
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaManifest creates a Kafka manifest publisher.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaManifest(bootstrap string, topic string) *KafkaManifest {
	return &KafkaManifest{writer: &kafka.Writer{
		Addr:         kafka.TCP(splitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, key: []byte(ManifestKey)}
}

func (k *KafkaManifest) Publish(m Manifest) error {
	b, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(context.Background(), kafka.Message{Key: k.key, Value: b})
}

// NewKafkaManifestWith is only for tests to inject a fake writer.
func NewKafkaManifestWith(w kafkaMessageWriter) *KafkaManifest {
	return &KafkaManifest{writer: w, key: []byte(ManifestKey)}
}

// KafkaReader scans the compacted topic and keeps the last record under the
// manifest key. Fine for the small compacted topics this runs against.
type KafkaReader struct {
	brokers []string
	topic   string
}

func NewKafkaReader(bootstrap string, topic string) *KafkaReader {
	return &KafkaReader{brokers: splitBrokers(bootstrap), topic: topic}
}

func (k *KafkaReader) ReadLatest() (Manifest, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.brokers,
		Topic:     k.topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var last Manifest
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) != ManifestKey {
			continue
		}
		var man Manifest
		if err := json.Unmarshal(m.Value, &man); err != nil {
			return Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
		}
		last = man
	}
	if last.RunID == "" {
		return Manifest{}, fmt.Errorf("no manifest found on topic %s", k.topic)
	}
	return last, nil
}

func splitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}
