// Package verify independently checks a produced feature table against the
// raw input. It recomputes every aggregate with a naive strictly-prior
// filter, deliberately not sharing the builder's forward-scan code, so a
// leakage bug in the builder cannot hide in the checker.
package verify

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"pfb/internal/feature"
	"pfb/internal/manifest"
	"pfb/internal/model"
	"pfb/internal/sink"
	"pfb/internal/source"
)

const maxReported = 20

// Report is the outcome of one verification pass.
type Report struct {
	RowsChecked   int64
	FeatureErrors int64
	LabelErrors   int64
	Digest        string
	DigestMatch   bool
	CountMatch    bool
	// Mismatches holds the first few human-readable failures.
	Mismatches []string
}

func (r Report) OK() bool {
	return r.FeatureErrors == 0 && r.LabelErrors == 0 && r.DigestMatch && r.CountMatch
}

type occ struct {
	number    int
	cartPos   int
	reordered bool
}

// history is the naive in-memory form of the input: per-user order lists
// and per-(user, product) occurrence lists.
type history struct {
	orders map[int64][]model.Order          // user -> orders, sorted by number
	occs   map[int64]map[int64][]occ        // user -> product -> occurrences
	days   map[int64]map[int]float64        // user -> order number -> cumulative days
	member map[int64]map[int]map[int64]bool // user -> number -> product present
}

// Verifier replays the input through a Source and checks stored rows
// against naive recomputation.
type Verifier struct {
	src source.Source
	log *zap.SugaredLogger
	// SampleEvery checks the aggregate fields of every Nth row only; labels,
	// count and digest are always checked on all rows. Zero checks all.
	SampleEvery int
}

func New(src source.Source, log *zap.SugaredLogger) *Verifier {
	return &Verifier{src: src, log: log.With("component", "verify")}
}

func (v *Verifier) load(ctx context.Context) (*history, error) {
	h := &history{
		orders: make(map[int64][]model.Order),
		occs:   make(map[int64]map[int64][]occ),
		days:   make(map[int64]map[int]float64),
		member: make(map[int64]map[int]map[int64]bool),
	}
	refs := make(map[int64]struct {
		user   int64
		number int
	})
	if err := v.src.Orders(ctx, func(o model.Order) error {
		h.orders[o.UserID] = append(h.orders[o.UserID], o)
		refs[o.OrderID] = struct {
			user   int64
			number int
		}{o.UserID, o.OrderNumber}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read orders: %w", err)
	}
	for uid, orders := range h.orders {
		sort.Slice(orders, func(i, j int) bool { return orders[i].OrderNumber < orders[j].OrderNumber })
		cum := make(map[int]float64, len(orders))
		total := 0.0
		for _, o := range orders {
			total += o.Days()
			cum[o.OrderNumber] = total
		}
		h.days[uid] = cum
	}
	if err := v.src.Lines(ctx, func(l model.OrderLine) error {
		ref, ok := refs[l.OrderID]
		if !ok {
			return fmt.Errorf("line references unknown order %d", l.OrderID)
		}
		if h.occs[ref.user] == nil {
			h.occs[ref.user] = make(map[int64][]occ)
		}
		h.occs[ref.user][l.ProductID] = append(h.occs[ref.user][l.ProductID], occ{ref.number, l.AddToCartOrder, l.Reordered})
		if h.member[ref.user] == nil {
			h.member[ref.user] = make(map[int]map[int64]bool)
		}
		if h.member[ref.user][ref.number] == nil {
			h.member[ref.user][ref.number] = make(map[int64]bool)
		}
		h.member[ref.user][ref.number][l.ProductID] = true
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read lines: %w", err)
	}
	return h, nil
}

// Verify streams stored rows through the checks. rows drives the iteration;
// m supplies the digest and row count to reconcile against (a zero Manifest
// skips those two checks).
func (v *Verifier) Verify(ctx context.Context, rows func(fn func(feature.Row) error) error, m manifest.Manifest) (Report, error) {
	h, err := v.load(ctx)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	digest := sink.NewDigest()
	if err := rows(func(r feature.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.RowsChecked++
		digest.Add(r)
		if v.SampleEvery <= 1 || rep.RowsChecked%int64(v.SampleEvery) == 0 {
			v.checkAggregates(h, r, &rep)
		}
		v.checkLabel(h, r, &rep)
		return nil
	}); err != nil {
		return rep, fmt.Errorf("read rows: %w", err)
	}

	rep.Digest = digest.Sum()
	rep.DigestMatch = m.RunID == "" || m.RowDigest == rep.Digest
	rep.CountMatch = m.RunID == "" || m.Rows == rep.RowsChecked
	if !rep.DigestMatch {
		rep.note("row digest %s does not match manifest %s", rep.Digest, m.RowDigest)
	}
	if !rep.CountMatch {
		rep.note("row count %d does not match manifest %d", rep.RowsChecked, m.Rows)
	}
	v.log.Infow("verification done",
		"rows", rep.RowsChecked, "featureErrors", rep.FeatureErrors,
		"labelErrors", rep.LabelErrors, "digestMatch", rep.DigestMatch)
	return rep, nil
}

// checkAggregates recomputes the look-back fields by filtering the full
// occurrence list to strictly earlier order numbers.
func (v *Verifier) checkAggregates(h *history, r feature.Row, rep *Report) {
	var prior []occ
	for _, o := range h.occs[r.UserID][r.ProductID] {
		if o.number < r.SnapshotOrderNumber {
			prior = append(prior, o)
		}
	}
	seen := len(prior)
	reords := 0
	cartSum := 0
	lastNumber := 0
	for _, o := range prior {
		if o.reordered {
			reords++
		}
		cartSum += o.cartPos
		if o.number > lastNumber {
			lastNumber = o.number
		}
	}
	avg := float64(feature.NeverSeenCartPos)
	if seen > 0 {
		avg = float64(cartSum) / float64(seen)
	}
	bad := false
	if r.TimesSeenBefore != seen || r.TimesReorderedBefore != reords || r.AvgAddToCartBefore != avg {
		bad = true
	}
	if seen == 0 && r.LastSeenDaysSinceFirst != nil {
		bad = true
	}
	if seen > 0 {
		want := h.days[r.UserID][lastNumber]
		if r.LastSeenDaysSinceFirst == nil || *r.LastSeenDaysSinceFirst != want {
			bad = true
		}
	}
	if bad {
		rep.FeatureErrors++
		rep.note("row %s: aggregates disagree with strictly-prior recomputation (seen %d want %d)", r.Key(), r.TimesSeenBefore, seen)
	}
}

func (v *Verifier) checkLabel(h *history, r feature.Row, rep *Report) {
	want := 0
	if h.member[r.UserID][r.SnapshotOrderNumber+1][r.ProductID] {
		want = 1
	}
	if r.LabelNextOrder != want {
		rep.LabelErrors++
		rep.note("row %s: label %d, next order says %d", r.Key(), r.LabelNextOrder, want)
	}
}

func (r *Report) note(format string, args ...any) {
	if len(r.Mismatches) < maxReported {
		r.Mismatches = append(r.Mismatches, fmt.Sprintf(format, args...))
	}
}
