package bipro

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"regexp"
	"strings"

	"atlas/pkg/apperror"
)

var reXOPInclude = regexp.MustCompile(`<xop:Include[^>]*href="cid:([^"]+)"[^>]*/?>`)

// mtomPart is one part of a multipart/related MTOM response.
type mtomPart struct {
	ContentID string
	Data      []byte
}

// isMTOM reports whether a getShipment response is MTOM/XOP multipart
// rather than plain XML.
func isMTOM(contentType string, body []byte) bool {
	return strings.Contains(strings.ToLower(contentType), "multipart") || bytes.HasPrefix(body, []byte("--"))
}

// splitMTOM parses a multipart/related body into its parts. The first part
// is the SOAP root; the rest are addressable by Content-ID.
func splitMTOM(contentType string, body []byte) ([]mtomPart, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInvalidArgument, "parse mtom content-type")
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, apperror.New(apperror.CodeInvalidArgument, "mtom response has no boundary parameter")
	}

	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	var parts []mtomPart
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInvalidArgument, "read mtom part")
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInvalidArgument, "read mtom part body")
		}
		cid := strings.Trim(part.Header.Get("Content-ID"), "<>")
		parts = append(parts, mtomPart{ContentID: cid, Data: data})
	}
	return parts, nil
}

// spliceXOP replaces every <xop:Include href="cid:..."/> in the SOAP root
// with the raw bytes of the matching part, base64-free (MTOM carries the
// binary out of band; once spliced back in, downstream XML parsing never
// needs to know it was ever an XOP reference).
func spliceXOP(root []byte, parts map[string]mtomPart) []byte {
	return reXOPInclude.ReplaceAllFunc(root, func(m []byte) []byte {
		sub := reXOPInclude.FindSubmatch(m)
		if sub == nil {
			return m
		}
		part, ok := parts[string(sub[1])]
		if !ok {
			return m
		}
		return part.Data
	})
}

// partsByContentID indexes parts 1..n (the root at index 0 is excluded) by
// their Content-ID for spliceXOP lookups.
func partsByContentID(parts []mtomPart) map[string]mtomPart {
	out := make(map[string]mtomPart, len(parts))
	if len(parts) < 2 {
		return out
	}
	for _, p := range parts[1:] {
		out[p.ContentID] = p
	}
	return out
}
