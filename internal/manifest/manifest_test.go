package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/kafka-go"
)

func sample() Manifest {
	return Manifest{
		RunID:        NewRunID(),
		StartedAt:    1700000000,
		FinishedAt:   1700000042,
		Input:        "csv:/data/orders",
		Outputs:      []string{"file:/data/features.csv"},
		Orders:       10,
		Lines:        25,
		Rows:         25,
		RowLimit:     0,
		Workers:      4,
		SpoolBackend: "memory",
		RowDigest:    "abc123",
	}
}

func TestPublishAndReadLatest(t *testing.T) {
	dir := t.TempDir()
	fm := NewFilesystemManifest(dir)
	m := sample()
	if err := fm.Publish(m); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	got, err := fm.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest error: %v", err)
	}
	if got.RunID != m.RunID || got.Rows != 25 || got.RowDigest != "abc123" {
		t.Fatalf("unexpected manifest: %+v", got)
	}
	// The per-run copy is immutable alongside latest.
	if _, err := os.Stat(filepath.Join(dir, "manifest."+m.RunID+".json")); err != nil {
		t.Fatalf("per-run manifest missing: %v", err)
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaManifest_Publish_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	km := NewKafkaManifestWith(fk)
	m := sample()
	if err := km.Publish(m); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != ManifestKey {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
	var got Manifest
	if err := json.Unmarshal(fk.msgs[0].Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RunID != m.RunID {
		t.Fatalf("run id mismatch: %s vs %s", got.RunID, m.RunID)
	}
}

func TestKafkaManifest_Publish_Fail(t *testing.T) {
	fk := &fakeKafkaWriter{fail: true}
	km := NewKafkaManifestWith(fk)
	if err := km.Publish(sample()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMultiPublisher_StopsOnError(t *testing.T) {
	dir := t.TempDir()
	fm := NewFilesystemManifest(dir)
	bad := NewKafkaManifestWith(&fakeKafkaWriter{fail: true})
	if err := MultiPublisher(bad, fm).Publish(sample()); err == nil {
		t.Fatalf("expected error from first publisher")
	}
	if _, err := os.Stat(filepath.Join(dir, "manifest.latest.json")); !os.IsNotExist(err) {
		t.Fatalf("second publisher should not have run")
	}
}
