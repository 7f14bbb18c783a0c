package feature

import (
	"fmt"
	"sort"

	"pfb/internal/model"
	"pfb/internal/validate"
)

// LineAt is an order line joined to its position in the owning user's
// history.
type LineAt struct {
	OrderNumber int
	model.OrderLine
}

// UserHistory is one user's complete staged history: Orders ascending by
// OrderNumber, Lines ascending by (OrderNumber, ProductID).
type UserHistory struct {
	UserID int64
	Orders []model.Order
	Lines  []LineAt
}

type occurrence struct {
	number    int
	cartPos   int
	reordered bool
}

// BuildUser folds one user's history into feature rows: one row per
// (product, order_number) occurrence, aggregates computed over strictly
// earlier occurrences of the same product, label read one order ahead.
//
// The walk also enforces the total-order contract: order numbers must be a
// dense 1..N sequence. On violation no rows are returned, so a user is
// always all-or-nothing.
func BuildUser(h UserHistory) ([]Row, error) {
	n := len(h.Orders)
	if n == 0 {
		if len(h.Lines) > 0 {
			return nil, &validate.SequenceError{UserID: h.UserID, Reason: "order lines present without any orders"}
		}
		return nil, nil
	}

	// Dense-sequence check and the cumulative relative timestamp share one
	// pass. days[k] is the running sum of day gaps for orders 1..k, with a
	// nil gap counted as 0; it is non-decreasing for non-negative gaps.
	days := make([]float64, n+1)
	for i, o := range h.Orders {
		if o.OrderNumber != i+1 {
			return nil, &validate.SequenceError{
				UserID:      h.UserID,
				OrderID:     o.OrderID,
				OrderNumber: o.OrderNumber,
				Reason:      fmt.Sprintf("order sequence is not dense: want number %d, found %d", i+1, o.OrderNumber),
			}
		}
		days[i+1] = days[i] + o.Days()
	}

	// Group lines into per-product occurrence lists. Lines arrive sorted by
	// (order number, product), so each list is already ascending by number.
	occs := make(map[int64][]occurrence)
	var productIDs []int64
	for _, l := range h.Lines {
		if l.OrderNumber < 1 || l.OrderNumber > n {
			return nil, &validate.SequenceError{
				UserID:      h.UserID,
				OrderID:     l.OrderID,
				OrderNumber: l.OrderNumber,
				Reason:      "line references an order number outside the user's sequence",
			}
		}
		if _, seen := occs[l.ProductID]; !seen {
			productIDs = append(productIDs, l.ProductID)
		}
		occs[l.ProductID] = append(occs[l.ProductID], occurrence{l.OrderNumber, l.AddToCartOrder, l.Reordered})
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	// One forward scan per product keeps running count/sum/last; nothing at
	// or after the snapshot ever enters the aggregates.
	var rows []Row
	for _, pid := range productIDs {
		list := occs[pid]
		seen := 0
		reords := 0
		cartSum := 0
		var lastSeen *float64
		for i, oc := range list {
			if i > 0 && oc.number == list[i-1].number {
				return nil, &validate.SequenceError{
					UserID:      h.UserID,
					OrderNumber: oc.number,
					Reason:      fmt.Sprintf("duplicate line for product %d in order number %d", pid, oc.number),
				}
			}
			avg := float64(NeverSeenCartPos)
			if seen > 0 {
				avg = float64(cartSum) / float64(seen)
			}
			label := 0
			if i+1 < len(list) && list[i+1].number == oc.number+1 {
				label = 1
			}
			rows = append(rows, Row{
				UserID:                 h.UserID,
				ProductID:              pid,
				SnapshotOrderNumber:    oc.number,
				TimesSeenBefore:        seen,
				TimesReorderedBefore:   reords,
				AvgAddToCartBefore:     avg,
				LastSeenDaysSinceFirst: lastSeen,
				LabelNextOrder:         label,
			})
			seen++
			if oc.reordered {
				reords++
			}
			cartSum += oc.cartPos
			d := days[oc.number]
			lastSeen = &d
		}
	}
	return rows, nil
}

// DaysSinceFirst exposes the cumulative relative timestamp of a validated,
// dense order sequence: result[k] is the value at order number k.
func DaysSinceFirst(orders []model.Order) []float64 {
	out := make([]float64, len(orders)+1)
	for i, o := range orders {
		out[i+1] = out[i] + o.Days()
	}
	return out
}
