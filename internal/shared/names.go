package shared

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DisplayName trims, collapses inner whitespace and title-cases a record name.
func DisplayName(raw string) string {
	collapsed := strings.Join(strings.Fields(raw), " ")
	return cases.Title(language.Und, cases.NoLower).String(collapsed)
}

// NameKey is the case-folded form used for uniqueness checks.
func NameKey(raw string) string {
	return cases.Fold().String(strings.Join(strings.Fields(raw), " "))
}
