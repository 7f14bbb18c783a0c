package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"pfb/internal/model"
	"pfb/internal/validate"
)

// File names expected inside a CSV input directory. Aisles and departments
// are optional; the rest are required.
const (
	OrdersFile      = "orders.csv"
	LinesFile       = "order_products.csv"
	ProductsFile    = "products.csv"
	AislesFile      = "aisles.csv"
	DepartmentsFile = "departments.csv"
)

// CSVSource reads the Instacart-style CSV layout from one directory.
type CSVSource struct {
	dir string
}

func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{dir: dir}
}

func (s *CSVSource) Name() string { return "csv:" + s.dir }

// scan opens name in the source directory and streams its records through
// fn, passing a header-name → column-index map. optional files that do not
// exist stream zero records.
func (s *CSVSource) scan(ctx context.Context, name string, optional bool, fn func(col map[string]int, rec []string, line int) error) error {
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("%s: read header: %w", name, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s:%d: %w (%w)", name, line, err, validate.ErrMalformedInput)
		}
		if err := fn(col, rec, line); err != nil {
			return err
		}
	}
}

func field(col map[string]int, rec []string, name string) (string, bool) {
	i, ok := col[name]
	if !ok || i >= len(rec) {
		return "", false
	}
	return strings.TrimSpace(rec[i]), true
}

func intField(file string, line int, col map[string]int, rec []string, name string) (int64, error) {
	v, ok := field(col, rec, name)
	if !ok {
		return 0, fmt.Errorf("%s:%d: missing column %s (%w)", file, line, name, validate.ErrMalformedInput)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s:%d: column %s: %q is not an integer (%w)", file, line, name, v, validate.ErrMalformedInput)
	}
	return n, nil
}

// floatFieldOpt parses a nullable float column: the empty string means null.
func floatFieldOpt(file string, line int, col map[string]int, rec []string, name string) (*float64, error) {
	v, ok := field(col, rec, name)
	if !ok || v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("%s:%d: column %s: %q is not a number (%w)", file, line, name, v, validate.ErrMalformedInput)
	}
	return &f, nil
}

func boolField(file string, line int, col map[string]int, rec []string, name string) (bool, error) {
	v, ok := field(col, rec, name)
	if !ok {
		return false, fmt.Errorf("%s:%d: missing column %s (%w)", file, line, name, validate.ErrMalformedInput)
	}
	switch v {
	case "0", "false", "f":
		return false, nil
	case "1", "true", "t":
		return true, nil
	}
	return false, fmt.Errorf("%s:%d: column %s: %q is not a boolean (%w)", file, line, name, v, validate.ErrMalformedInput)
}

func (s *CSVSource) Aisles(ctx context.Context, fn func(model.Aisle) error) error {
	return s.scan(ctx, AislesFile, true, func(col map[string]int, rec []string, line int) error {
		id, err := intField(AislesFile, line, col, rec, "aisle_id")
		if err != nil {
			return err
		}
		name, _ := field(col, rec, "aisle")
		return fn(model.Aisle{AisleID: id, Name: name})
	})
}

func (s *CSVSource) Departments(ctx context.Context, fn func(model.Department) error) error {
	return s.scan(ctx, DepartmentsFile, true, func(col map[string]int, rec []string, line int) error {
		id, err := intField(DepartmentsFile, line, col, rec, "department_id")
		if err != nil {
			return err
		}
		name, _ := field(col, rec, "department")
		return fn(model.Department{DepartmentID: id, Name: name})
	})
}

func (s *CSVSource) Products(ctx context.Context, fn func(model.Product) error) error {
	return s.scan(ctx, ProductsFile, false, func(col map[string]int, rec []string, line int) error {
		id, err := intField(ProductsFile, line, col, rec, "product_id")
		if err != nil {
			return err
		}
		aisle, err := intField(ProductsFile, line, col, rec, "aisle_id")
		if err != nil {
			return err
		}
		dept, err := intField(ProductsFile, line, col, rec, "department_id")
		if err != nil {
			return err
		}
		name, _ := field(col, rec, "product_name")
		return fn(model.Product{ProductID: id, Name: name, AisleID: aisle, DepartmentID: dept})
	})
}

func (s *CSVSource) Orders(ctx context.Context, fn func(model.Order) error) error {
	return s.scan(ctx, OrdersFile, false, func(col map[string]int, rec []string, line int) error {
		orderID, err := intField(OrdersFile, line, col, rec, "order_id")
		if err != nil {
			return err
		}
		userID, err := intField(OrdersFile, line, col, rec, "user_id")
		if err != nil {
			return err
		}
		number, err := intField(OrdersFile, line, col, rec, "order_number")
		if err != nil {
			return err
		}
		dow, err := intField(OrdersFile, line, col, rec, "order_dow")
		if err != nil {
			return err
		}
		hour, err := intField(OrdersFile, line, col, rec, "order_hour_of_day")
		if err != nil {
			return err
		}
		days, err := floatFieldOpt(OrdersFile, line, col, rec, "days_since_prior_order")
		if err != nil {
			return err
		}
		return fn(model.Order{
			OrderID:        orderID,
			UserID:         userID,
			OrderNumber:    int(number),
			OrderDOW:       int(dow),
			OrderHour:      int(hour),
			DaysSincePrior: days,
		})
	})
}

func (s *CSVSource) Lines(ctx context.Context, fn func(model.OrderLine) error) error {
	return s.scan(ctx, LinesFile, false, func(col map[string]int, rec []string, line int) error {
		orderID, err := intField(LinesFile, line, col, rec, "order_id")
		if err != nil {
			return err
		}
		productID, err := intField(LinesFile, line, col, rec, "product_id")
		if err != nil {
			return err
		}
		pos, err := intField(LinesFile, line, col, rec, "add_to_cart_order")
		if err != nil {
			return err
		}
		reordered, err := boolField(LinesFile, line, col, rec, "reordered")
		if err != nil {
			return err
		}
		return fn(model.OrderLine{
			OrderID:        orderID,
			ProductID:      productID,
			AddToCartOrder: int(pos),
			Reordered:      reordered,
		})
	})
}
