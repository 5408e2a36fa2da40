// Package billing issues estimates, proformas, invoices and the credit and
// debit notes raised against invoices.
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind of a billing document.
type Kind string

const (
	KindEstimate   Kind = "estimate"
	KindProforma   Kind = "proforma"
	KindInvoice    Kind = "invoice"
	KindCreditNote Kind = "credit_note"
	KindDebitNote  Kind = "debit_note"
)

// ConvertsTo returns the kind a document of kind k becomes on conversion.
func (k Kind) ConvertsTo() (Kind, bool) {
	switch k {
	case KindEstimate:
		return KindProforma, true
	case KindProforma:
		return KindInvoice, true
	}
	return "", false
}

// Status of a billing document.
type Status string

const (
	StatusOpen      Status = "Open"
	StatusConverted Status = "Converted"
	StatusCancelled Status = "Cancelled"
)

// Document is any billing document. SourceID points at the document it was
// converted from, or at the invoice a note adjusts.
type Document struct {
	ID        int64           `json:"id"`
	Number    string          `json:"number"`
	Kind      Kind            `json:"kind"`
	OrderID   int64           `json:"orderId"`
	SourceID  *int64          `json:"sourceId,omitempty"`
	Status    Status          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
