package purchases

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/loomworks/loom/internal/orders"
)

// Status of a purchase.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusPartial   Status = "Partial"
	StatusCompleted Status = "Completed"
)

// Category groups purchased materials.
type Category string

const (
	CategoryFabric  Category = "fabric"
	CategoryTrim    Category = "trim"
	CategoryMachine Category = "machine"
)

func (c Category) valid() bool {
	return c == CategoryFabric || c == CategoryTrim || c == CategoryMachine
}

// Item is one purchased material line.
type Item struct {
	Category Category        `json:"category"`
	Name     string          `json:"name"`
	Vendor   string          `json:"vendor"`
	Qty      int64           `json:"qty"`
	UnitCost decimal.Decimal `json:"unitCost"`
	Cost     decimal.Decimal `json:"cost"`
}

// Purchase records raw materials bought for one order.
type Purchase struct {
	ID             int64           `json:"id"`
	Number         string          `json:"number"`
	OrderID        int64           `json:"orderId"`
	Status         Status          `json:"status"`
	Products       []orders.Line   `json:"products"`
	Items          []Item          `json:"items"`
	GrandTotalCost decimal.Decimal `json:"grandTotalCost"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ReturnItem is the quantity of one item sent back to the vendor.
type ReturnItem struct {
	Name string `json:"name"`
	Qty  int64  `json:"qty"`
}

// Return is a purchase return note.
type Return struct {
	ID         int64        `json:"id"`
	Number     string       `json:"number"`
	PurchaseID int64        `json:"purchaseId"`
	Items      []ReturnItem `json:"items"`
	Reason     string       `json:"reason"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// ComputeTotals fills every item's Cost and returns the grand total.
func ComputeTotals(items []Item) decimal.Decimal {
	total := decimal.Zero
	for i := range items {
		items[i].Cost = items[i].UnitCost.Mul(decimal.NewFromInt(items[i].Qty)).Round(2)
		total = total.Add(items[i].Cost)
	}
	return total
}
