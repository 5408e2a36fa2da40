// Package sequence issues gapless, human-readable document numbers from
// atomically incremented named counters.
package sequence

import (
	"context"
	"regexp"

	"github.com/loomworks/loom/internal/shared"
)

// Well-known counter keys.
const (
	KeyGlobalOrder    = "globalOrderSeq"
	KeyPurchase       = "purchaseSeq"
	KeyProduction     = "productionSeq"
	KeyStoreEntry     = "storeEntrySeq"
	KeyStoreLog       = "storeLogSeq"
	KeyPurchaseReturn = "purchaseReturnSeq"
	KeyEstimate       = "estimateSeq"
	KeyProforma       = "proformaSeq"
	KeyCreditNote     = "creditNoteSeq"
	KeyDebitNote      = "debitNoteSeq"
)

// OrderTypeKey is the per-order-type serial counter, e.g. orderSeq_FOB.
func OrderTypeKey(orderType string) string { return "orderSeq_" + orderType }

// InvoiceKey is the invoice counter of one financial year, e.g. invoiceSeq_25-26.
func InvoiceKey(fy string) string { return "invoiceSeq_" + fy }

// Counter is a named monotonically increasing integer.
type Counter struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

var keyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]{0,63}$`)

// ValidateKey rejects keys that could not have been minted by this package.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return shared.Invalid("counterKey", "invalid counter key %q", key)
	}
	return nil
}

// Store is the durable counter backend. Increment must be a single atomic
// increment-and-read: a counter absent so far starts at 1.
type Store interface {
	Increment(ctx context.Context, key string) (int64, error)
	// Current returns the last issued value and whether the counter exists.
	Current(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key string, value int64) error
}
