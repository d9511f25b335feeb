package classifier

import (
	"regexp"
	"strings"
)

var umlautReplacer = strings.NewReplacer(
	"ä", "ae", "ö", "oe", "ü", "ue",
	"Ä", "Ae", "Ö", "Oe", "Ü", "Ue",
	"ß", "ss",
)

var nonFilenameRun = regexp.MustCompile(`[^a-zA-Z0-9_]+`)
var repeatedUnderscore = regexp.MustCompile(`_+`)

// Slugify converts free-form text into a safe filename fragment: German
// umlauts are transliterated, everything else non-alphanumeric collapses
// to a single underscore, and an empty result becomes "unbekannt".
func Slugify(text string) string {
	if text == "" {
		return "unbekannt"
	}
	text = umlautReplacer.Replace(text)
	text = nonFilenameRun.ReplaceAllString(text, "_")
	text = repeatedUnderscore.ReplaceAllString(text, "_")
	text = strings.Trim(text, "_")
	if text == "" {
		return "unbekannt"
	}
	return text
}
