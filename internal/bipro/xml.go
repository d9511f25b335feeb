package bipro

import (
	"regexp"
	"strings"
)

var (
	reLieferung  = regexp.MustCompile(`(?s)<(?:tran:|t:)?Lieferung[^>]*>(.*?)</(?:tran:|t:)?Lieferung>`)
	reIdentifier = regexp.MustCompile(`<wsc:Identifier>([^<]+)</wsc:Identifier>`)
	reExpires    = regexp.MustCompile(`(?s)<wsu:Expires>([^<]+)</wsu:Expires>|<Expires>([^<]+)</Expires>|<wst:Lifetime>.*?<wsu:Expires>([^<]+)</wsu:Expires>.*?</wst:Lifetime>`)
	reStatusNOK  = regexp.MustCompile(`<(?:nac:|n:)?StatusID>NOK</(?:nac:|n:)?StatusID>`)
	reStatusOK   = regexp.MustCompile(`<(?:nac:|n:)?StatusID>OK</(?:nac:|n:)?StatusID>`)
	reErrorText  = regexp.MustCompile(`<(?:nac:|n:)?Text>([^<]+)</(?:nac:|n:)?Text>`)
	reFaultStr   = regexp.MustCompile(`<(?:faultstring|nac:Text)>([^<]+)</(?:faultstring|nac:Text)>`)
	reDocBlock   = regexp.MustCompile(`(?s)<[^>]*Dokument[^>]*>(.*?)</[^>]*Dokument>`)
	reFilename   = regexp.MustCompile(`<[^>]*Dateiname[^>]*>([^<]+)</[^>]*Dateiname>`)
	reContent    = regexp.MustCompile(`<[^>]*(?:Inhalt|Content|Daten)[^>]*>([A-Za-z0-9+/=\s]+)</[^>]*(?:Inhalt|Content|Daten)>`)
	reKategorie  = regexp.MustCompile(`<[^>]*Kategorie[^>]*>([^<]+)</[^>]*Kategorie>`)
)

// escapeXML escapes the five XML entities. Every interpolated value
// (username, password, consumer id, shipment id) must go through this
// before it lands in a SOAP envelope.
func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}

func extractTag(block, tag string) string {
	re := regexp.MustCompile(`<(?:tran:|t:)?` + tag + `>([^<]*)</(?:tran:|t:)?` + tag + `>`)
	m := re.FindStringSubmatch(block)
	if m == nil {
		return ""
	}
	return m[1]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
