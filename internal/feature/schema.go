package feature

import (
	"fmt"
	"strconv"
)

// NeverSeenCartPos is emitted as avg_add_to_cart_before for a snapshot with
// no prior occurrence. It signals "never seen before" without disturbing the
// numeric dtype of the column.
const NeverSeenCartPos = 999

// Row is one training example: point-in-time aggregate features for a
// (user, product) pair at a snapshot order, plus the look-ahead label.
// The label is the rightmost field in every serialization.
type Row struct {
	UserID                 int64    `json:"userId"`
	ProductID              int64    `json:"productId"`
	SnapshotOrderNumber    int      `json:"snapshotOrderNumber"`
	TimesSeenBefore        int      `json:"timesSeenBefore"`
	TimesReorderedBefore   int      `json:"timesReorderedBefore"`
	AvgAddToCartBefore     float64  `json:"avgAddToCartBefore"`
	LastSeenDaysSinceFirst *float64 `json:"lastSeenDaysSinceFirst"`
	LabelNextOrder         int      `json:"labelNextOrder"`
}

// Header returns the column set of the feature table, label last.
func Header() []string {
	return []string{
		"user_id", "product_id", "snapshot_order_number",
		"times_seen_before", "times_reordered_before",
		"avg_add_to_cart_before", "last_seen_days_since_first",
		"label_next_order",
	}
}

// Record renders the row in Header() order. A null LastSeenDaysSinceFirst
// renders as the empty string.
func (r Row) Record() []string {
	last := ""
	if r.LastSeenDaysSinceFirst != nil {
		last = formatFloat(*r.LastSeenDaysSinceFirst)
	}
	return []string{
		strconv.FormatInt(r.UserID, 10),
		strconv.FormatInt(r.ProductID, 10),
		strconv.Itoa(r.SnapshotOrderNumber),
		strconv.Itoa(r.TimesSeenBefore),
		strconv.Itoa(r.TimesReorderedBefore),
		formatFloat(r.AvgAddToCartBefore),
		last,
		strconv.Itoa(r.LabelNextOrder),
	}
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// ParseRecord is the inverse of Record: it decodes a row from Header()
// order. Floats round-trip exactly through the 'g'/-1 encoding.
func ParseRecord(rec []string) (Row, error) {
	if len(rec) != len(Header()) {
		return Row{}, fmt.Errorf("want %d fields, got %d", len(Header()), len(rec))
	}
	var r Row
	var err error
	if r.UserID, err = strconv.ParseInt(rec[0], 10, 64); err != nil {
		return Row{}, fmt.Errorf("user_id: %w", err)
	}
	if r.ProductID, err = strconv.ParseInt(rec[1], 10, 64); err != nil {
		return Row{}, fmt.Errorf("product_id: %w", err)
	}
	if r.SnapshotOrderNumber, err = strconv.Atoi(rec[2]); err != nil {
		return Row{}, fmt.Errorf("snapshot_order_number: %w", err)
	}
	if r.TimesSeenBefore, err = strconv.Atoi(rec[3]); err != nil {
		return Row{}, fmt.Errorf("times_seen_before: %w", err)
	}
	if r.TimesReorderedBefore, err = strconv.Atoi(rec[4]); err != nil {
		return Row{}, fmt.Errorf("times_reordered_before: %w", err)
	}
	if r.AvgAddToCartBefore, err = strconv.ParseFloat(rec[5], 64); err != nil {
		return Row{}, fmt.Errorf("avg_add_to_cart_before: %w", err)
	}
	if rec[6] != "" {
		v, err := strconv.ParseFloat(rec[6], 64)
		if err != nil {
			return Row{}, fmt.Errorf("last_seen_days_since_first: %w", err)
		}
		r.LastSeenDaysSinceFirst = &v
	}
	if r.LabelNextOrder, err = strconv.Atoi(rec[7]); err != nil {
		return Row{}, fmt.Errorf("label_next_order: %w", err)
	}
	return r, nil
}

// Key returns the composite key userId:productId:snapshot.
func (r Row) Key() string {
	return fmt.Sprintf("%d:%d:%d", r.UserID, r.ProductID, r.SnapshotOrderNumber)
}

// Less orders rows by (UserID, ProductID, SnapshotOrderNumber), the stable
// tie-break applied whenever a row cap truncates the output.
func (r Row) Less(o Row) bool {
	if r.UserID != o.UserID {
		return r.UserID < o.UserID
	}
	if r.ProductID != o.ProductID {
		return r.ProductID < o.ProductID
	}
	return r.SnapshotOrderNumber < o.SnapshotOrderNumber
}
