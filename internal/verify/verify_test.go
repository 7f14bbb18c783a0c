package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"pfb/internal/feature"
	"pfb/internal/logging"
	"pfb/internal/manifest"
	"pfb/internal/sink"
	"pfb/internal/source"
)

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		source.OrdersFile: "order_id,user_id,order_number,order_dow,order_hour_of_day,days_since_prior_order\n" +
			"1001,7,1,2,14,\n" +
			"1002,7,2,5,9,3\n" +
			"1003,7,3,1,8,4\n",
		source.LinesFile: "order_id,product_id,add_to_cart_order,reordered\n" +
			"1001,42,3,0\n" +
			"1002,42,1,1\n",
		source.ProductsFile: "product_id,product_name,aisle_id,department_id\n42,Bananas,1,1\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func fptr(v float64) *float64 { return &v }

// goodRows is what the builder emits for the fixture.
func goodRows() []feature.Row {
	return []feature.Row{
		{
			UserID: 7, ProductID: 42, SnapshotOrderNumber: 1,
			AvgAddToCartBefore: feature.NeverSeenCartPos, LabelNextOrder: 1,
		},
		{
			UserID: 7, ProductID: 42, SnapshotOrderNumber: 2,
			TimesSeenBefore: 1, AvgAddToCartBefore: 3,
			LastSeenDaysSinceFirst: fptr(0), LabelNextOrder: 0,
		},
	}
}

func sliceRows(rows []feature.Row) func(fn func(feature.Row) error) error {
	return func(fn func(feature.Row) error) error {
		for _, r := range rows {
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	}
}

func manifestFor(rows []feature.Row) manifest.Manifest {
	d := sink.NewDigest()
	for _, r := range rows {
		d.Add(r)
	}
	return manifest.Manifest{RunID: "test", Rows: int64(len(rows)), RowDigest: d.Sum()}
}

func TestVerifyCleanTable(t *testing.T) {
	v := New(source.NewCSVSource(writeFixture(t)), logging.Nop())
	rows := goodRows()
	rep, err := v.Verify(context.Background(), sliceRows(rows), manifestFor(rows))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !rep.OK() {
		t.Fatalf("clean table flagged: %+v", rep)
	}
	if rep.RowsChecked != 2 {
		t.Fatalf("rows checked: %d", rep.RowsChecked)
	}
}

func TestVerifyDetectsLeakedAggregate(t *testing.T) {
	rows := goodRows()
	// Simulate leakage: snapshot 1 claims a prior occurrence.
	rows[0].TimesSeenBefore = 1
	rows[0].AvgAddToCartBefore = 3
	v := New(source.NewCSVSource(writeFixture(t)), logging.Nop())
	rep, err := v.Verify(context.Background(), sliceRows(rows), manifestFor(rows))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.OK() || rep.FeatureErrors != 1 {
		t.Fatalf("leak not detected: %+v", rep)
	}
}

func TestVerifyDetectsWrongLabel(t *testing.T) {
	rows := goodRows()
	rows[1].LabelNextOrder = 1 // product absent from order 3
	v := New(source.NewCSVSource(writeFixture(t)), logging.Nop())
	rep, err := v.Verify(context.Background(), sliceRows(rows), manifestFor(rows))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.OK() || rep.LabelErrors != 1 {
		t.Fatalf("label error not detected: %+v", rep)
	}
}

func TestVerifyDetectsDigestMismatch(t *testing.T) {
	rows := goodRows()
	m := manifestFor(rows)
	m.RowDigest = "deadbeef"
	v := New(source.NewCSVSource(writeFixture(t)), logging.Nop())
	rep, err := v.Verify(context.Background(), sliceRows(rows), m)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.DigestMatch {
		t.Fatalf("digest mismatch not detected: %+v", rep)
	}
}

func TestVerifyDetectsMissingRows(t *testing.T) {
	rows := goodRows()
	m := manifestFor(rows)
	v := New(source.NewCSVSource(writeFixture(t)), logging.Nop())
	rep, err := v.Verify(context.Background(), sliceRows(rows[:1]), m)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.CountMatch || rep.DigestMatch {
		t.Fatalf("truncated table not detected: %+v", rep)
	}
}

func TestVerifyLastSeenUsesCumulativeDays(t *testing.T) {
	rows := goodRows()
	rows[1].LastSeenDaysSinceFirst = fptr(99)
	v := New(source.NewCSVSource(writeFixture(t)), logging.Nop())
	rep, err := v.Verify(context.Background(), sliceRows(rows), manifestFor(rows))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.FeatureErrors != 1 {
		t.Fatalf("wrong last-seen not detected: %+v", rep)
	}
}

func TestCSVRowsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.csv")
	fs, err := sink.NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	ctx := context.Background()
	for _, r := range goodRows() {
		if err := fs.Write(ctx, r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := fs.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	var got []feature.Row
	if err := CSVRows(path)(func(r feature.Row) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatalf("CSVRows: %v", err)
	}
	want := goodRows()
	if len(got) != len(want) {
		t.Fatalf("rows: %d vs %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Key() != want[i].Key() || got[i].LabelNextOrder != want[i].LabelNextOrder {
			t.Fatalf("row %d mismatch: %+v vs %+v", i, got[i], want[i])
		}
	}
}
