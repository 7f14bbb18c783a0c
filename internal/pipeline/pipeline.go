// Package pipeline runs one batch build: load dimensions, ingest orders and
// lines into the spool, validate, fold per-user histories into feature rows
// across a worker pool, then cap, flush and publish the manifest.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pfb/internal/feature"
	"pfb/internal/manifest"
	"pfb/internal/metrics"
	"pfb/internal/model"
	"pfb/internal/rejectlog"
	"pfb/internal/sink"
	"pfb/internal/source"
	"pfb/internal/spool"
	"pfb/internal/validate"
)

type Config struct {
	// RowLimit caps emitted rows at the N smallest by (user, product,
	// snapshot); zero emits everything.
	RowLimit int
	// Workers sets the build pool size; output is digest-identical for any
	// worker count.
	Workers int
	// SkipInvalid rejects affected users and completes for the rest instead
	// of aborting the batch on the first validation failure.
	SkipInvalid bool
	// SpoolBackend is recorded in the manifest: memory, badger or pebble.
	SpoolBackend string
}

// Stats summarizes one run.
type Stats struct {
	Orders          int64
	Lines           int64
	Rows            int64
	UsersSeen       int64
	RejectedUsers   int64
	RejectedRecords int64
	Digest          string
}

type Pipeline struct {
	cfg   Config
	log   *zap.SugaredLogger
	reg   *metrics.Registry
	store spool.Store
	src   source.Source
	out   sink.Sink
	rej   rejectlog.Writer
	mani  manifest.Publisher // optional; published only on success

	mu            sync.Mutex
	rejectedUsers map[int64]struct{}
	rejectedRecs  int64
}

func New(cfg Config, log *zap.SugaredLogger, reg *metrics.Registry, store spool.Store, src source.Source, out sink.Sink, rej rejectlog.Writer, mani manifest.Publisher) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pipeline{
		cfg:           cfg,
		log:           log.With("component", "pipeline"),
		reg:           reg,
		store:         store,
		src:           src,
		out:           out,
		rej:           rej,
		mani:          mani,
		rejectedUsers: make(map[int64]struct{}),
	}
}

// Run executes the batch. In strict mode (the default) the first validation
// failure aborts with no manifest published; in skip-invalid mode whole
// users are rejected and the run completes for everyone else.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	started := manifest.Now()
	var st Stats

	dims, err := p.loadDimensions(ctx)
	if err != nil {
		return st, err
	}

	if err := p.ingestOrders(ctx, &st); err != nil {
		return st, err
	}
	if err := p.ingestLines(ctx, dims, &st); err != nil {
		return st, err
	}
	// An order stages two keys (slot + ref), a line one.
	p.reg.SpoolKeys.Set(float64(2*st.Orders + st.Lines))

	if err := p.build(ctx, &st); err != nil {
		return st, err
	}

	if err := p.out.Close(ctx); err != nil {
		return st, fmt.Errorf("close sink: %w", err)
	}

	p.mu.Lock()
	st.RejectedUsers = int64(len(p.rejectedUsers))
	st.RejectedRecords = p.rejectedRecs
	p.mu.Unlock()

	if p.mani != nil {
		m := manifest.Manifest{
			RunID:           manifest.NewRunID(),
			StartedAt:       started,
			FinishedAt:      manifest.Now(),
			Input:           p.src.Name(),
			Outputs:         sinkNames(p.out),
			Orders:          st.Orders,
			Lines:           st.Lines,
			Rows:            st.Rows,
			RejectedUsers:   st.RejectedUsers,
			RejectedRecords: st.RejectedRecords,
			RowLimit:        p.cfg.RowLimit,
			Workers:         p.cfg.Workers,
			SpoolBackend:    p.cfg.SpoolBackend,
			RowDigest:       st.Digest,
		}
		if err := p.mani.Publish(m); err != nil {
			return st, fmt.Errorf("publish manifest: %w", err)
		}
		p.log.Infow("manifest published", "runId", m.RunID, "rows", m.Rows, "digest", m.RowDigest)
	}
	return st, nil
}

func sinkNames(s sink.Sink) []string {
	if m, ok := s.(*sink.MultiSink); ok {
		return m.Names()
	}
	return []string{s.Name()}
}

// reject records one validation failure. Strict mode returns the error to
// abort the batch; skip mode rejects the whole owning user (when known) so
// computed and uncomputed rows never mix within a user.
func (p *Pipeline) reject(err error) error {
	rec := rejectlog.FromError(err)
	rec.TS = time.Now().UTC().Unix()
	if aerr := p.rej.Append(rec); aerr != nil {
		return fmt.Errorf("append reject log: %w", aerr)
	}
	p.reg.RecordsRejected.Inc()
	p.mu.Lock()
	p.rejectedRecs++
	if rec.UserID != 0 {
		if _, seen := p.rejectedUsers[rec.UserID]; !seen {
			p.rejectedUsers[rec.UserID] = struct{}{}
			p.reg.UsersRejected.Inc()
		}
	}
	p.mu.Unlock()
	if !p.cfg.SkipInvalid {
		return err
	}
	p.log.Warnw("record rejected", "kind", rec.Kind, "user", rec.UserID, "order", rec.OrderID, "reason", rec.Reason)
	return nil
}

func (p *Pipeline) userRejected(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.rejectedUsers[userID]
	return ok
}

func (p *Pipeline) loadDimensions(ctx context.Context) (*validate.Dimensions, error) {
	dims := validate.NewDimensions()
	if err := p.src.Aisles(ctx, func(a model.Aisle) error {
		if err := dims.AddAisle(a); err != nil {
			return p.reject(err)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load aisles: %w", err)
	}
	if err := p.src.Departments(ctx, func(d model.Department) error {
		if err := dims.AddDepartment(d); err != nil {
			return p.reject(err)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load departments: %w", err)
	}
	if err := p.src.Products(ctx, func(pr model.Product) error {
		if err := dims.AddProduct(pr); err != nil {
			return p.reject(err)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	p.log.Infow("dimensions loaded", "products", len(dims.Products), "aisles", len(dims.Aisles), "departments", len(dims.Departments))
	return dims, nil
}

func (p *Pipeline) ingestOrders(ctx context.Context, st *Stats) error {
	err := p.src.Orders(ctx, func(o model.Order) error {
		st.Orders++
		p.reg.OrdersRead.Inc()
		if err := validate.CheckOrder(o); err != nil {
			return p.reject(err)
		}
		applied, err := p.store.PutOrder(o)
		if err != nil {
			return fmt.Errorf("stage order %d: %w", o.OrderID, err)
		}
		if !applied {
			return p.reject(&validate.SequenceError{
				UserID:      o.UserID,
				OrderID:     o.OrderID,
				OrderNumber: o.OrderNumber,
				Reason:      "duplicate order id or order number for user",
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ingest orders: %w", err)
	}
	p.log.Infow("orders staged", "orders", st.Orders)
	return nil
}

func (p *Pipeline) ingestLines(ctx context.Context, dims *validate.Dimensions, st *Stats) error {
	err := p.src.Lines(ctx, func(l model.OrderLine) error {
		st.Lines++
		p.reg.LinesRead.Inc()
		if err := validate.CheckLine(l); err != nil {
			return p.reject(err)
		}
		ref, ok, err := p.store.Ref(l.OrderID)
		if err != nil {
			return fmt.Errorf("resolve order %d: %w", l.OrderID, err)
		}
		if !ok {
			return p.reject(&validate.ReferenceError{
				OrderID:   l.OrderID,
				ProductID: l.ProductID,
				Reason:    "line references an unknown order id",
			})
		}
		if dims.ProductsLoaded() && !dims.HasProduct(l.ProductID) {
			return p.reject(&validate.ReferenceError{
				UserID:    ref.UserID,
				OrderID:   l.OrderID,
				ProductID: l.ProductID,
				Reason:    "line references an unknown product id",
			})
		}
		applied, err := p.store.PutLine(ref, l)
		if err != nil {
			return fmt.Errorf("stage line %d/%d: %w", l.OrderID, l.ProductID, err)
		}
		if !applied {
			return p.reject(&validate.SequenceError{
				UserID:      ref.UserID,
				OrderID:     l.OrderID,
				OrderNumber: ref.OrderNumber,
				Reason:      fmt.Sprintf("duplicate line for product %d", l.ProductID),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ingest lines: %w", err)
	}
	p.log.Infow("lines staged", "lines", st.Lines)
	return nil
}

func (p *Pipeline) build(ctx context.Context, st *Stats) error {
	var users []int64
	if err := p.store.Users(func(uid int64) error {
		users = append(users, uid)
		return nil
	}); err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	st.UsersSeen = int64(len(users))
	p.reg.UsersSeen.Set(float64(len(users)))

	ids := make(chan int64)
	rowsCh := make(chan []feature.Row, p.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(ids)
		for _, uid := range users {
			if p.userRejected(uid) {
				continue
			}
			select {
			case ids <- uid:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for uid := range ids {
				t0 := time.Now()
				h, err := p.store.History(uid)
				if err != nil {
					return fmt.Errorf("history for user %d: %w", uid, err)
				}
				rows, err := feature.BuildUser(h)
				if err != nil {
					var se *validate.SequenceError
					if errors.As(err, &se) {
						if rerr := p.reject(err); rerr != nil {
							return rerr
						}
						continue
					}
					return fmt.Errorf("build user %d: %w", uid, err)
				}
				p.reg.UserBuildSec.Observe(time.Since(t0).Seconds())
				if len(rows) == 0 {
					continue
				}
				select {
				case rowsCh <- rows:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		// Collector drains rowsCh until every worker is done.
		g.Wait()
		close(rowsCh)
	}()

	digest := sink.NewDigest()
	var capper *sink.Cap
	if p.cfg.RowLimit > 0 {
		capper = sink.NewCap(p.cfg.RowLimit)
	}
	for rows := range rowsCh {
		for _, r := range rows {
			if capper != nil {
				capper.Add(r)
				continue
			}
			if err := p.out.Write(ctx, r); err != nil {
				return fmt.Errorf("write row %s: %w", r.Key(), err)
			}
			digest.Add(r)
			p.reg.RowsEmitted.Inc()
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if capper != nil {
		for _, r := range capper.Rows() {
			if err := p.out.Write(ctx, r); err != nil {
				return fmt.Errorf("write row %s: %w", r.Key(), err)
			}
			digest.Add(r)
			p.reg.RowsEmitted.Inc()
		}
	}
	st.Rows = digest.Count()
	st.Digest = digest.Sum()
	p.log.Infow("build done", "users", st.UsersSeen, "rows", st.Rows, "workers", p.cfg.Workers)
	return nil
}
