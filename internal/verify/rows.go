package verify

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"pfb/internal/feature"
)

// CSVRows returns an iterator over a feature table written by the file
// sink: a header row then one record per feature row.
func CSVRows(path string) func(fn func(feature.Row) error) error {
	return func(fn func(feature.Row) error) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer f.Close()
		r := csv.NewReader(f)
		r.ReuseRecord = true
		if _, err := r.Read(); err != nil {
			return fmt.Errorf("read header: %w", err)
		}
		for line := 2; ; line++ {
			rec, err := r.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			row, err := feature.ParseRecord(rec)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			if err := fn(row); err != nil {
				return err
			}
		}
	}
}
