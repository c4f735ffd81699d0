package shared

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeIdentifier trims, collapses inner whitespace and upper-cases printed
// identifiers such as vehicle plates and cheque numbers.
func NormalizeIdentifier(v string) string {
	v = strings.Join(strings.Fields(v), " ")
	if v == "" {
		return ""
	}
	return cases.Upper(language.Und).String(v)
}
