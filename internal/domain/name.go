package domain

import "strings"

// NormalizeName — каноническая форма display name: trim + casefold.
// Presence и typing считают два имени одной личностью, если их
// нормализованные формы совпадают.
func NormalizeName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
