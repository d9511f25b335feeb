package classifier

import "strings"

// isBIPROCourtage reports whether category marks a commission statement
// (BiPRO transfer category group 300xxx).
func isBIPROCourtage(category string) bool {
	return strings.HasPrefix(category, "300")
}

// isBIPROGDV reports whether category marks an inventory/GDV data record
// (BiPRO transfer category group 999xxx). VUs sometimes ship these with a
// .pdf extension even though the content is fixed-width GDV text.
func isBIPROGDV(category string) bool {
	return strings.HasPrefix(category, "999")
}
