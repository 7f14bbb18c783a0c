// Command genorders emits a seeded synthetic retail order log in the CSV
// layout the builder ingests, or as JSONL for loading onto Kafka topics.
// The same seed always produces the same fixture set.
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"pfb/internal/model"
)

type Config struct {
	Users     int
	MaxOrders int
	Products  int
	Seed      int64
	OutDir    string
	Format    string // csv|jsonl
}

func main() {
	var cfg Config
	flag.IntVar(&cfg.Users, "users", 100, "number of users")
	flag.IntVar(&cfg.MaxOrders, "max-orders", 10, "maximum orders per user")
	flag.IntVar(&cfg.Products, "products", 50, "size of the product dimension")
	flag.Int64Var(&cfg.Seed, "seed", 1, "random seed")
	flag.StringVar(&cfg.OutDir, "out-dir", "./data", "output directory")
	flag.StringVar(&cfg.Format, "format", "csv", "output format: csv|jsonl")
	flag.Parse()

	if err := generate(cfg); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

func generate(cfg Config) error {
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	aisles := []model.Aisle{
		{AisleID: 1, Name: "fresh fruits"},
		{AisleID: 2, Name: "packaged cheese"},
		{AisleID: 3, Name: "energy drinks"},
		{AisleID: 4, Name: "frozen meals"},
	}
	departments := []model.Department{
		{DepartmentID: 1, Name: "produce"},
		{DepartmentID: 2, Name: "dairy eggs"},
		{DepartmentID: 3, Name: "beverages"},
		{DepartmentID: 4, Name: "frozen"},
	}
	products := make([]model.Product, cfg.Products)
	for i := range products {
		a := aisles[rng.Intn(len(aisles))]
		var dept int64
		for _, d := range departments {
			if d.DepartmentID == a.AisleID {
				dept = d.DepartmentID
			}
		}
		products[i] = model.Product{
			ProductID:    int64(i + 1),
			Name:         fmt.Sprintf("product %d", i+1),
			AisleID:      a.AisleID,
			DepartmentID: dept,
		}
	}

	var orders []model.Order
	var lines []model.OrderLine
	nextOrderID := int64(1)
	for u := 1; u <= cfg.Users; u++ {
		n := 1 + rng.Intn(cfg.MaxOrders)
		bought := make(map[int64]bool)
		for k := 1; k <= n; k++ {
			o := model.Order{
				OrderID:     nextOrderID,
				UserID:      int64(u),
				OrderNumber: k,
				OrderDOW:    rng.Intn(7),
				OrderHour:   rng.Intn(24),
			}
			if k > 1 {
				d := float64(rng.Intn(30))
				o.DaysSincePrior = &d
			}
			nextOrderID++
			orders = append(orders, o)

			basket := 1 + rng.Intn(8)
			if basket > cfg.Products {
				basket = cfg.Products
			}
			inOrder := make(map[int64]bool)
			for pos := 1; pos <= basket; {
				pid := int64(1 + rng.Intn(cfg.Products))
				if inOrder[pid] {
					continue
				}
				inOrder[pid] = true
				lines = append(lines, model.OrderLine{
					OrderID:        o.OrderID,
					ProductID:      pid,
					AddToCartOrder: pos,
					Reordered:      bought[pid],
				})
				bought[pid] = true
				pos++
			}
		}
	}

	if cfg.Format == "jsonl" {
		if err := writeJSONL(filepath.Join(cfg.OutDir, "orders.jsonl"), len(orders), func(i int) any { return orders[i] }); err != nil {
			return err
		}
		if err := writeJSONL(filepath.Join(cfg.OutDir, "order_lines.jsonl"), len(lines), func(i int) any { return lines[i] }); err != nil {
			return err
		}
		if err := writeJSONL(filepath.Join(cfg.OutDir, "products.jsonl"), len(products), func(i int) any { return products[i] }); err != nil {
			return err
		}
		log.Printf("generated %d orders, %d lines (jsonl) in %s", len(orders), len(lines), cfg.OutDir)
		return nil
	}

	if err := writeCSV(filepath.Join(cfg.OutDir, "aisles.csv"),
		[]string{"aisle_id", "aisle"}, len(aisles), func(i int) []string {
			return []string{strconv.FormatInt(aisles[i].AisleID, 10), aisles[i].Name}
		}); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(cfg.OutDir, "departments.csv"),
		[]string{"department_id", "department"}, len(departments), func(i int) []string {
			return []string{strconv.FormatInt(departments[i].DepartmentID, 10), departments[i].Name}
		}); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(cfg.OutDir, "products.csv"),
		[]string{"product_id", "product_name", "aisle_id", "department_id"}, len(products), func(i int) []string {
			p := products[i]
			return []string{
				strconv.FormatInt(p.ProductID, 10), p.Name,
				strconv.FormatInt(p.AisleID, 10), strconv.FormatInt(p.DepartmentID, 10),
			}
		}); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(cfg.OutDir, "orders.csv"),
		[]string{"order_id", "user_id", "order_number", "order_dow", "order_hour_of_day", "days_since_prior_order"}, len(orders), func(i int) []string {
			o := orders[i]
			days := ""
			if o.DaysSincePrior != nil {
				days = strconv.FormatFloat(*o.DaysSincePrior, 'g', -1, 64)
			}
			return []string{
				strconv.FormatInt(o.OrderID, 10), strconv.FormatInt(o.UserID, 10),
				strconv.Itoa(o.OrderNumber), strconv.Itoa(o.OrderDOW),
				strconv.Itoa(o.OrderHour), days,
			}
		}); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(cfg.OutDir, "order_products.csv"),
		[]string{"order_id", "product_id", "add_to_cart_order", "reordered"}, len(lines), func(i int) []string {
			l := lines[i]
			reordered := "0"
			if l.Reordered {
				reordered = "1"
			}
			return []string{
				strconv.FormatInt(l.OrderID, 10), strconv.FormatInt(l.ProductID, 10),
				strconv.Itoa(l.AddToCartOrder), reordered,
			}
		}); err != nil {
		return err
	}
	log.Printf("generated %d orders, %d lines (csv) in %s", len(orders), len(lines), cfg.OutDir)
	return nil
}

func writeCSV(path string, header []string, n int, rec func(i int) []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i := 0; i < n; i++ {
		if err := w.Write(rec(i)); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func writeJSONL(path string, n int, item func(i int) any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for i := 0; i < n; i++ {
		if err := enc.Encode(item(i)); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
	}
	return nil
}
