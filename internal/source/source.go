// Package source reads the input collections: the Order and OrderLine event
// logs plus the static Product/Aisle/Department dimensions. All readers
// stream row at a time so input size never dictates memory.
package source

import (
	"context"

	"pfb/internal/model"
)

// Source streams the input collections. Callbacks returning an error stop
// the stream and propagate it; implementations check ctx between rows.
type Source interface {
	// Name labels the input in logs and the run manifest, e.g. "csv:/data".
	Name() string
	Aisles(ctx context.Context, fn func(model.Aisle) error) error
	Departments(ctx context.Context, fn func(model.Department) error) error
	Products(ctx context.Context, fn func(model.Product) error) error
	Orders(ctx context.Context, fn func(model.Order) error) error
	Lines(ctx context.Context, fn func(model.OrderLine) error) error
}
