package sequence

import (
	"fmt"
	"time"
)

// FormatOrderID renders the global order number, e.g. OID-0004.
func FormatOrderID(seq int64) string { return fmt.Sprintf("OID-%04d", seq) }

// FormatOrderSerial renders the per-type serial, e.g. FOB-0003.
func FormatOrderSerial(orderType string, seq int64) string {
	return fmt.Sprintf("%s-%04d", orderType, seq)
}

// FormatPurchase renders PUR-12. Purchase numbers are not zero padded.
func FormatPurchase(seq int64) string { return fmt.Sprintf("PUR-%d", seq) }

func FormatPurchaseReturn(seq int64) string { return fmt.Sprintf("PURT-%04d", seq) }
func FormatProduction(seq int64) string     { return fmt.Sprintf("PRD-%04d", seq) }
func FormatStoreEntry(seq int64) string     { return fmt.Sprintf("STR-%04d", seq) }
func FormatStoreLog(seq int64) string       { return fmt.Sprintf("SLG-%04d", seq) }
func FormatEstimate(seq int64) string       { return fmt.Sprintf("EST-%04d", seq) }
func FormatProforma(seq int64) string       { return fmt.Sprintf("PRF-%04d", seq) }
func FormatCreditNote(seq int64) string     { return fmt.Sprintf("CN-%04d", seq) }
func FormatDebitNote(seq int64) string      { return fmt.Sprintf("DN-%04d", seq) }

// FormatInvoice renders PO/25-26/0007.
func FormatInvoice(fy string, seq int64) string { return fmt.Sprintf("PO/%s/%04d", fy, seq) }

// FinancialYear returns the April-to-March year containing t as "YY-YY".
func FinancialYear(t time.Time) string {
	start := t.Year()
	if t.Month() < time.April {
		start--
	}
	return fmt.Sprintf("%02d-%02d", start%100, (start+1)%100)
}
