package shared

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeName folds case and collapses whitespace so "  Acme  Textiles" and
// "ACME textiles" resolve to the same master record.
func NormalizeName(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}

// DisplayName trims and title-cases a free-text name for storage.
func DisplayName(name string) string {
	return cases.Title(language.Und, cases.NoLower).String(strings.Join(strings.Fields(name), " "))
}
