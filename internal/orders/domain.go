package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/shared"
)

// Type distinguishes how an order is sourced.
type Type string

const (
	TypeFOB       Type = "FOB"
	TypeJobWorks  Type = "JOB-Works"
	TypeOwnOrders Type = "Own-Orders"
)

// Valid reports whether t is a known order type.
func (t Type) Valid() bool {
	switch t {
	case TypeFOB, TypeJobWorks, TypeOwnOrders:
		return true
	}
	return false
}

// Status is an order lifecycle state.
type Status string

const (
	StatusPendingPurchase    Status = "Pending Purchase"
	StatusPurchaseCompleted  Status = "Purchase Completed"
	StatusPendingProduction  Status = "Pending Production"
	StatusFactoryReceived    Status = "Factory Received"
	StatusInProduction       Status = "In Production"
	StatusProductionComplete Status = "Production Completed"
	StatusReadyForDelivery   Status = "Ready for Delivery"
	StatusDelivered          Status = "Delivered"
	StatusCompleted          Status = "Completed"
)

// Lifecycle is the documented forward order of states.
var Lifecycle = []Status{
	StatusPendingPurchase,
	StatusPurchaseCompleted,
	StatusPendingProduction,
	StatusFactoryReceived,
	StatusInProduction,
	StatusProductionComplete,
	StatusReadyForDelivery,
	StatusDelivered,
	StatusCompleted,
}

// ParseStatus validates s against the status enum.
func ParseStatus(s string) (Status, error) {
	for _, st := range Lifecycle {
		if string(st) == s {
			return st, nil
		}
	}
	return "", shared.Invalid("status", "unknown order status %q", s)
}

// NextStatus returns the state following s.
func NextStatus(s Status) (Status, error) {
	for i, st := range Lifecycle {
		if st != s {
			continue
		}
		if i == len(Lifecycle)-1 {
			return "", fmt.Errorf("%w: order already %s", shared.ErrInvalidState, s)
		}
		return Lifecycle[i+1], nil
	}
	return "", shared.Invalid("status", "unknown order status %q", s)
}

// SizeQty is the quantity ordered for one size.
type SizeQty struct {
	Size string `json:"size"`
	Qty  int64  `json:"qty"`
}

// Line is one product of an order with its size breakdown.
type Line struct {
	ProductID int64     `json:"productId"`
	Name      string    `json:"name"`
	Sizes     []SizeQty `json:"sizes"`
}

// Order is the root document of the workflow.
type Order struct {
	ID           int64     `json:"id"`
	OrderID      string    `json:"orderId"`
	Type         Type      `json:"orderType"`
	Serial       int64     `json:"serial"`
	SerialNumber string    `json:"serialNumber"`
	BuyerID      int64     `json:"buyerId"`
	BuyerName    string    `json:"buyer"`
	Products     []Line    `json:"products"`
	TotalQty     int64     `json:"totalQty"`
	Status       Status    `json:"status"`
	PurchaseID   *int64    `json:"purchaseId,omitempty"`
	ProductionID *int64    `json:"productionId,omitempty"`
	InvoiceID    *int64    `json:"invoiceId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Buyer is a resolved buyer master record.
type Buyer struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Product is a resolved product master record.
type Product struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ComputeTotalQty sums every size quantity of every line.
func ComputeTotalQty(lines []Line) int64 {
	var total int64
	for _, l := range lines {
		for _, s := range l.Sizes {
			total += s.Qty
		}
	}
	return total
}

// ListFilters narrows List.
type ListFilters struct {
	Type   Type
	Status Status
	Limit  int
	Offset int
}

// ErrPurchasePending is returned when the order was saved but its placeholder
// purchase could not be created; reconciliation will retry it.
var ErrPurchasePending = errors.New("orders: purchase placeholder pending")
