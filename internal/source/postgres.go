package source

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pfb/internal/model"
)

// PostgresSource streams the input tables from a relational store. Orders
// and lines are read in (user_id, order_number) order so the spool stages
// them with good locality.
type PostgresSource struct {
	pool *pgxpool.Pool
	dsn  string
}

func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSource{pool: pool, dsn: dsn}, nil
}

func (s *PostgresSource) Close() { s.pool.Close() }

func (s *PostgresSource) Name() string { return "postgres" }

func query(ctx context.Context, pool *pgxpool.Pool, sql string, scan func(rows pgx.Rows) error) error {
	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}
	return nil
}

func (s *PostgresSource) Aisles(ctx context.Context, fn func(model.Aisle) error) error {
	return query(ctx, s.pool, `SELECT aisle_id, aisle FROM aisles ORDER BY aisle_id`, func(rows pgx.Rows) error {
		var a model.Aisle
		if err := rows.Scan(&a.AisleID, &a.Name); err != nil {
			return fmt.Errorf("scan aisle: %w", err)
		}
		return fn(a)
	})
}

func (s *PostgresSource) Departments(ctx context.Context, fn func(model.Department) error) error {
	return query(ctx, s.pool, `SELECT department_id, department FROM departments ORDER BY department_id`, func(rows pgx.Rows) error {
		var d model.Department
		if err := rows.Scan(&d.DepartmentID, &d.Name); err != nil {
			return fmt.Errorf("scan department: %w", err)
		}
		return fn(d)
	})
}

func (s *PostgresSource) Products(ctx context.Context, fn func(model.Product) error) error {
	return query(ctx, s.pool, `SELECT product_id, product_name, aisle_id, department_id FROM products ORDER BY product_id`, func(rows pgx.Rows) error {
		var p model.Product
		if err := rows.Scan(&p.ProductID, &p.Name, &p.AisleID, &p.DepartmentID); err != nil {
			return fmt.Errorf("scan product: %w", err)
		}
		return fn(p)
	})
}

func (s *PostgresSource) Orders(ctx context.Context, fn func(model.Order) error) error {
	const q = `SELECT order_id, user_id, order_number, order_dow, order_hour_of_day, days_since_prior_order
FROM orders ORDER BY user_id, order_number`
	return query(ctx, s.pool, q, func(rows pgx.Rows) error {
		var o model.Order
		if err := rows.Scan(&o.OrderID, &o.UserID, &o.OrderNumber, &o.OrderDOW, &o.OrderHour, &o.DaysSincePrior); err != nil {
			return fmt.Errorf("scan order: %w", err)
		}
		return fn(o)
	})
}

func (s *PostgresSource) Lines(ctx context.Context, fn func(model.OrderLine) error) error {
	const q = `SELECT order_id, product_id, add_to_cart_order, reordered
FROM order_products ORDER BY order_id, add_to_cart_order`
	return query(ctx, s.pool, q, func(rows pgx.Rows) error {
		var l model.OrderLine
		if err := rows.Scan(&l.OrderID, &l.ProductID, &l.AddToCartOrder, &l.Reordered); err != nil {
			return fmt.Errorf("scan line: %w", err)
		}
		return fn(l)
	})
}
