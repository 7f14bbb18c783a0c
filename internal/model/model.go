package model

// Order is one record of the order event log: a single order placed by a
// user, positioned in that user's history by OrderNumber (1-based, gap-free
// per user). DaysSincePrior is nil only on a user's first order.
type Order struct {
	OrderID        int64    `json:"orderId"`
	UserID         int64    `json:"userId"`
	OrderNumber    int      `json:"orderNumber"`
	OrderDOW       int      `json:"orderDow"`
	OrderHour      int      `json:"orderHourOfDay"`
	DaysSincePrior *float64 `json:"daysSincePriorOrder,omitempty"`
}

// OrderLine is one product inside an order. (OrderID, ProductID) is unique
// across the collection; AddToCartOrder is the 1-based cart position.
type OrderLine struct {
	OrderID        int64 `json:"orderId"`
	ProductID      int64 `json:"productId"`
	AddToCartOrder int   `json:"addToCartOrder"`
	Reordered      bool  `json:"reordered"`
}

// Product is a static reference dimension row, immutable for the run.
type Product struct {
	ProductID    int64  `json:"productId"`
	Name         string `json:"productName"`
	AisleID      int64  `json:"aisleId"`
	DepartmentID int64  `json:"departmentId"`
}

// Aisle is a static reference dimension row.
type Aisle struct {
	AisleID int64  `json:"aisleId"`
	Name    string `json:"aisle"`
}

// Department is a static reference dimension row.
type Department struct {
	DepartmentID int64  `json:"departmentId"`
	Name         string `json:"department"`
}

// Days returns the day gap to the previous order, with nil treated as 0.
func (o Order) Days() float64 {
	if o.DaysSincePrior == nil {
		return 0
	}
	return *o.DaysSincePrior
}
