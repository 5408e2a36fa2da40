// Package store keeps the warehouse ledger: one entry per completed purchase
// recording what physically arrived, and logs recording material taken out of
// and returned to the store against that entry.
package store

import (
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/shared"
)

// EntryStatus of a store entry.
type EntryStatus string

const (
	EntryDraft     EntryStatus = "Draft"
	EntryCompleted EntryStatus = "Completed"
)

// EntryItem is one received material line.
type EntryItem struct {
	Name       string `json:"name"`
	InvoiceQty int64  `json:"invoiceQty"`
	StoreInQty int64  `json:"storeInQty"`
	Shortage   int64  `json:"shortage"`
	Surplus    int64  `json:"surplus"`
}

// Entry records materials received for a completed purchase.
type Entry struct {
	ID              int64       `json:"id"`
	StoreID         *string     `json:"storeId,omitempty"`
	PurchaseID      int64       `json:"purchaseId"`
	Status          EntryStatus `json:"status"`
	EntryDate       time.Time   `json:"storeEntryDate"`
	Items           []EntryItem `json:"items"`
	TotalInvoiceQty int64       `json:"totalInvoiceQty"`
	TotalStoreInQty int64       `json:"totalStoreInQty"`
	TotalShortage   int64       `json:"totalShortage"`
	TotalSurplus    int64       `json:"totalSurplus"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Item finds an entry line by name, ignoring case and spacing.
func (e Entry) Item(name string) (EntryItem, bool) {
	key := shared.NormalizeName(name)
	for _, it := range e.Items {
		if shared.NormalizeName(it.Name) == key {
			return it, true
		}
	}
	return EntryItem{}, false
}

// ComputeEntryTotals derives shortage and surplus per line and the entry totals.
func ComputeEntryTotals(e *Entry) {
	e.TotalInvoiceQty, e.TotalStoreInQty, e.TotalShortage, e.TotalSurplus = 0, 0, 0, 0
	for i := range e.Items {
		it := &e.Items[i]
		it.Shortage, it.Surplus = 0, 0
		if d := it.InvoiceQty - it.StoreInQty; d > 0 {
			it.Shortage = d
		} else {
			it.Surplus = -d
		}
		e.TotalInvoiceQty += it.InvoiceQty
		e.TotalStoreInQty += it.StoreInQty
		e.TotalShortage += it.Shortage
		e.TotalSurplus += it.Surplus
	}
}

// LogStatus is the user-facing state of a log.
type LogStatus string

const (
	LogInStore   LogStatus = "In Store"
	LogOut       LogStatus = "Out"
	LogCompleted LogStatus = "Completed"
)

// ParseLogStatus validates s.
func ParseLogStatus(s string) (LogStatus, error) {
	switch LogStatus(s) {
	case LogInStore, LogOut, LogCompleted:
		return LogStatus(s), nil
	}
	return "", shared.Invalid("status", "unknown store log status %q", s)
}

// StatusSource tells whether a log's status was chosen by the caller or suggested.
type StatusSource string

const (
	SourceExplicit  StatusSource = "explicit"
	SourceSuggested StatusSource = "suggested"
)

// LogItem is the movement of one material in a log.
type LogItem struct {
	Name        string `json:"name"`
	TakenQty    int64  `json:"takenQty"`
	ReturnedQty int64  `json:"returnedQty"`
	InHandQty   int64  `json:"inHandQty"`
}

// Log is one take-out of material and its later return.
type Log struct {
	ID              int64        `json:"id"`
	Number          string       `json:"number"`
	EntryID         int64        `json:"storeEntryId"`
	LogDate         time.Time    `json:"logDate"`
	TakenBy         string       `json:"takenBy"`
	Items           []LogItem    `json:"items"`
	Status          LogStatus    `json:"status"`
	StatusSource    StatusSource `json:"statusSource"`
	SuggestedStatus LogStatus    `json:"suggestedStatus"`
	Opening         bool         `json:"opening"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// SuggestStatus proposes In Store when nothing is still out, Out otherwise.
// It is a hint only and never overrides a status the caller chose.
func SuggestStatus(items []LogItem) LogStatus {
	for _, it := range items {
		if it.TakenQty-it.ReturnedQty > 0 {
			return LogOut
		}
	}
	return LogInStore
}

// Movement sums the quantities logged for one item.
type Movement struct {
	Taken    int64
	Returned int64
}

// ItemStock is the availability of one item of an entry.
type ItemStock struct {
	Item           string `json:"item"`
	InitialStock   int64  `json:"initialStock"`
	AvailableStock int64  `json:"availableStock"`
}

// Available applies the ledger formula, floored at zero.
func Available(initial int64, m Movement) int64 {
	if v := initial - m.Taken + m.Returned; v > 0 {
		return v
	}
	return 0
}

// InsufficientStockError reports a take-out larger than what is available.
type InsufficientStockError struct {
	Item      string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: requested %d, available %d", e.Item, e.Requested, e.Available)
}

// Unwrap lets errors.Is match shared.ErrInsufficientStock.
func (e *InsufficientStockError) Unwrap() error { return shared.ErrInsufficientStock }

// ShortItem implements httpx.StockShortage.
func (e *InsufficientStockError) ShortItem() string { return e.Item }

// ShortAvailable implements httpx.StockShortage.
func (e *InsufficientStockError) ShortAvailable() int64 { return e.Available }
