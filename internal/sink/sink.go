// Package sink writes the finished feature table. Sinks receive rows one at
// a time and finalize on Close; a sink must leave nothing visible at its
// destination until Close succeeds, so an aborted run cannot be mistaken for
// a finished table.
package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"pfb/internal/feature"
)

type Sink interface {
	// Name labels the output in logs and the run manifest.
	Name() string
	Write(ctx context.Context, r feature.Row) error
	// Close flushes and finalizes the output. Rows written after Close are
	// undefined.
	Close(ctx context.Context) error
}

// MultiSink fans rows out to several sinks sequentially.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink { return &MultiSink{sinks: sinks} }

func (m *MultiSink) Name() string {
	names := ""
	for i, s := range m.sinks {
		if i > 0 {
			names += ","
		}
		names += s.Name()
	}
	return names
}

func (m *MultiSink) Names() []string {
	var names []string
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return names
}

func (m *MultiSink) Write(ctx context.Context, r feature.Row) error {
	for _, s := range m.sinks {
		if err := s.Write(ctx, r); err != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return nil
}

func (m *MultiSink) Close(ctx context.Context) error {
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return nil
}

// FileSink writes the table as CSV with a header row. Rows go to a temp
// file next to the destination; Close renames it into place, so a crashed
// run leaves no half-written table under the final name.
type FileSink struct {
	path string
	tmp  *os.File
	w    *csv.Writer
}

func NewFileSink(path string) (*FileSink, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp: %w", err)
	}
	w := csv.NewWriter(tmp)
	if err := w.Write(feature.Header()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write header: %w", err)
	}
	return &FileSink{path: path, tmp: tmp, w: w}, nil
}

func (f *FileSink) Name() string { return "file:" + f.path }

func (f *FileSink) Write(_ context.Context, r feature.Row) error {
	if err := f.w.Write(r.Record()); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	return nil
}

func (f *FileSink) Close(_ context.Context) error {
	f.w.Flush()
	if err := f.w.Error(); err != nil {
		f.abort()
		return fmt.Errorf("flush: %w", err)
	}
	if err := f.tmp.Sync(); err != nil {
		f.abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.tmp.Close(); err != nil {
		os.Remove(f.tmp.Name())
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(f.tmp.Name(), f.path); err != nil {
		os.Remove(f.tmp.Name())
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *FileSink) abort() {
	f.tmp.Close()
	os.Remove(f.tmp.Name())
}
