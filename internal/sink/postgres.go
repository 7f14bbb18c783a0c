package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pfb/internal/feature"
)

const copyBatch = 10000

// featureColumns matches feature.Header(); the label stays rightmost.
var featureColumns = []string{
	"user_id", "product_id", "snapshot_order_number",
	"times_seen_before", "times_reordered_before",
	"avg_add_to_cart_before", "last_seen_days_since_first",
	"label_next_order",
}

// PostgresSink bulk-loads rows with COPY into a staging table and swaps it
// into place on Close, so readers never see a half-loaded table.
type PostgresSink struct {
	pool    *pgxpool.Pool
	table   string
	staging string
	buf     [][]any
}

func NewPostgresSink(ctx context.Context, dsn, table string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresSink{pool: pool, table: table, staging: table + "_staging"}
	if err := s.createStaging(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) createStaging(ctx context.Context) error {
	ddl := fmt.Sprintf(`
DROP TABLE IF EXISTS %s;
CREATE TABLE %s (
    user_id                    BIGINT NOT NULL,
    product_id                 BIGINT NOT NULL,
    snapshot_order_number      INT    NOT NULL,
    times_seen_before          INT    NOT NULL,
    times_reordered_before     INT    NOT NULL,
    avg_add_to_cart_before     DOUBLE PRECISION NOT NULL,
    last_seen_days_since_first DOUBLE PRECISION,
    label_next_order           SMALLINT NOT NULL,
    PRIMARY KEY (user_id, product_id, snapshot_order_number)
)`, s.staging, s.staging)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create staging table: %w", err)
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres:" + s.table }

func (s *PostgresSink) Write(ctx context.Context, r feature.Row) error {
	s.buf = append(s.buf, []any{
		r.UserID, r.ProductID, r.SnapshotOrderNumber,
		r.TimesSeenBefore, r.TimesReorderedBefore,
		r.AvgAddToCartBefore, r.LastSeenDaysSinceFirst,
		r.LabelNextOrder,
	})
	if len(s.buf) >= copyBatch {
		return s.flush(ctx)
	}
	return nil
}

func (s *PostgresSink) flush(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{s.staging}, featureColumns, pgx.CopyFromRows(s.buf))
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if n != int64(len(s.buf)) {
		return fmt.Errorf("copy: wrote %d of %d rows", n, len(s.buf))
	}
	s.buf = s.buf[:0]
	return nil
}

func (s *PostgresSink) Close(ctx context.Context) error {
	defer s.pool.Close()
	if err := s.flush(ctx); err != nil {
		return err
	}
	swap := fmt.Sprintf(`
DROP TABLE IF EXISTS %s;
ALTER TABLE %s RENAME TO %s`, s.table, s.staging, s.table)
	if _, err := s.pool.Exec(ctx, swap); err != nil {
		return fmt.Errorf("swap staging table: %w", err)
	}
	return nil
}
