package validate

import (
	"errors"
	"fmt"

	"pfb/internal/model"
)

// Sentinel targets for errors.Is. Every rejection wraps exactly one of these.
var (
	ErrMalformedInput   = errors.New("malformed input")
	ErrMissingReference = errors.New("missing reference")
)

// SequenceError reports a record that violates the total-order contract:
// order numbers that are not a dense 1..N sequence per user, colliding ids,
// or out-of-range fields.
type SequenceError struct {
	UserID      int64
	OrderID     int64
	OrderNumber int
	Reason      string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("malformed input: %s (user=%d order=%d number=%d)", e.Reason, e.UserID, e.OrderID, e.OrderNumber)
}

func (e *SequenceError) Unwrap() error { return ErrMalformedInput }

// ReferenceError reports a dangling foreign key from an order line or a
// product dimension row. UserID is 0 when the owning user is unknown
// (a line whose order id resolves to nothing has no user).
type ReferenceError struct {
	UserID    int64
	OrderID   int64
	ProductID int64
	Reason    string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("missing reference: %s (user=%d order=%d product=%d)", e.Reason, e.UserID, e.OrderID, e.ProductID)
}

func (e *ReferenceError) Unwrap() error { return ErrMissingReference }

// Dimensions holds the reference tables used for foreign-key checks. Any of
// them may be empty when that input was not supplied; checks against an
// unloaded dimension are skipped.
type Dimensions struct {
	Products    map[int64]model.Product
	Aisles      map[int64]string
	Departments map[int64]string
}

func NewDimensions() *Dimensions {
	return &Dimensions{
		Products:    make(map[int64]model.Product),
		Aisles:      make(map[int64]string),
		Departments: make(map[int64]string),
	}
}

// AddAisle registers an aisle dimension row.
func (d *Dimensions) AddAisle(a model.Aisle) error {
	if a.AisleID <= 0 {
		return &SequenceError{Reason: fmt.Sprintf("non-positive aisle id %d in aisles dimension", a.AisleID)}
	}
	if _, dup := d.Aisles[a.AisleID]; dup {
		return &SequenceError{Reason: fmt.Sprintf("duplicate aisle id %d in aisles dimension", a.AisleID)}
	}
	d.Aisles[a.AisleID] = a.Name
	return nil
}

// AddDepartment registers a department dimension row.
func (d *Dimensions) AddDepartment(dep model.Department) error {
	if dep.DepartmentID <= 0 {
		return &SequenceError{Reason: fmt.Sprintf("non-positive department id %d in departments dimension", dep.DepartmentID)}
	}
	if _, dup := d.Departments[dep.DepartmentID]; dup {
		return &SequenceError{Reason: fmt.Sprintf("duplicate department id %d in departments dimension", dep.DepartmentID)}
	}
	d.Departments[dep.DepartmentID] = dep.Name
	return nil
}

// AddProduct registers a product row, checking its aisle and department keys
// against any dimensions loaded before it.
func (d *Dimensions) AddProduct(p model.Product) error {
	if p.ProductID <= 0 {
		return &SequenceError{Reason: fmt.Sprintf("non-positive product id %d in products dimension", p.ProductID)}
	}
	if _, dup := d.Products[p.ProductID]; dup {
		return &SequenceError{Reason: fmt.Sprintf("duplicate product id %d in products dimension", p.ProductID)}
	}
	if len(d.Aisles) > 0 {
		if _, ok := d.Aisles[p.AisleID]; !ok {
			return &ReferenceError{ProductID: p.ProductID, Reason: fmt.Sprintf("product references unknown aisle %d", p.AisleID)}
		}
	}
	if len(d.Departments) > 0 {
		if _, ok := d.Departments[p.DepartmentID]; !ok {
			return &ReferenceError{ProductID: p.ProductID, Reason: fmt.Sprintf("product references unknown department %d", p.DepartmentID)}
		}
	}
	d.Products[p.ProductID] = p
	return nil
}

// HasProduct reports whether productID exists in the product dimension.
func (d *Dimensions) HasProduct(productID int64) bool {
	_, ok := d.Products[productID]
	return ok
}

// ProductsLoaded reports whether a product dimension was supplied. Reference
// checks against products are skipped when the input carried no dimension.
func (d *Dimensions) ProductsLoaded() bool { return len(d.Products) > 0 }

// CheckOrder validates the standalone fields of one order record. Sequence
// density across a user's whole history is checked later, at build time.
func CheckOrder(o model.Order) error {
	switch {
	case o.OrderID <= 0:
		return &SequenceError{o.UserID, o.OrderID, o.OrderNumber, "non-positive order id"}
	case o.UserID <= 0:
		return &SequenceError{o.UserID, o.OrderID, o.OrderNumber, "non-positive user id"}
	case o.OrderNumber < 1:
		return &SequenceError{o.UserID, o.OrderID, o.OrderNumber, "order number below 1"}
	}
	return nil
}

// CheckLine validates the standalone fields of one order line record.
func CheckLine(l model.OrderLine) error {
	switch {
	case l.OrderID <= 0:
		return &SequenceError{OrderID: l.OrderID, Reason: "non-positive order id"}
	case l.ProductID <= 0:
		return &SequenceError{OrderID: l.OrderID, Reason: fmt.Sprintf("non-positive product id %d", l.ProductID)}
	case l.AddToCartOrder < 1:
		return &SequenceError{OrderID: l.OrderID, Reason: fmt.Sprintf("cart position %d below 1", l.AddToCartOrder)}
	}
	return nil
}
