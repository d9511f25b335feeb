// Package bipro implements the BiPRO 430 Transfer Service client: STS
// token exchange (BiPRO 410), listShipments/getShipment/acknowledgeShipment
// over SOAP, MTOM/XOP multipart responses, and the three certificate-based
// authentication variants alongside username/password + STS.
package bipro

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"atlas/pkg/apperror"
)

const (
	biproVersion        = "2.6.1.1.0"
	stsExpiryBuffer     = 60 * time.Second
	defaultTokenLife    = 10 * time.Minute
	contentTypeSOAP     = "text/xml; charset=utf-8"
)

// ShipmentInfo is one entry returned by listShipments.
type ShipmentInfo struct {
	ShipmentID      string
	CreatedAt       string
	Category        string
	AvailableUntil  string
	TransferCount   int
	ContainsOnlyData bool
}

// shipmentsFromXML parses every <Lieferung> block in a listShipments
// response, tolerating the tran:/t:/no-prefix namespace variants.
func shipmentsFromXML(xmlText string) []ShipmentInfo {
	var out []ShipmentInfo
	for _, block := range reLieferung.FindAllStringSubmatch(xmlText, -1) {
		id := extractTag(block[1], "ID")
		if id == "" {
			continue
		}
		count, _ := strconv.Atoi(firstNonEmpty(extractTag(block[1], "AnzahlTransfers"), "1"))
		out = append(out, ShipmentInfo{
			ShipmentID:       id,
			CreatedAt:        extractTag(block[1], "Einstellzeitpunkt"),
			Category:         extractTag(block[1], "Kategorie"),
			AvailableUntil:   extractTag(block[1], "VerfuegbarBis"),
			TransferCount:    count,
			ContainsOnlyData: extractTag(block[1], "EnthaeltNurDaten") == "true",
		})
	}
	return out
}

// ShipmentDocument is one document extracted from a getShipment response,
// either from an MTOM binary part or a Base64 blob in plain XML.
type ShipmentDocument struct {
	Filename string
	Content  []byte
	MimeType string
}

// ShipmentContent is the full result of getShipment.
type ShipmentContent struct {
	ShipmentID string
	Documents  []ShipmentDocument
	Category   string
	RawXML     string
}

// Client is a BiPRO 430 Transfer Service connection for one VU.
type Client struct {
	creds       Credentials
	profile     Profile
	transferURL string
	stsURL      string

	httpClient *http.Client
	tempPEM    *tempPEMPair

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
}

// New builds a Client from creds, converting a PFX/JKS keystore to PEM and
// configuring mutual TLS if creds uses certificate auth, or deriving the
// STS endpoint otherwise. Proxy environment variables are ignored by
// default; pass allowSystemProxy=true to use them.
func New(creds Credentials, allowSystemProxy bool) (*Client, error) {
	profile := DetectProfile(creds.VUName, creds.EndpointURL, creds.STSURL)

	transport := &http.Transport{}
	if allowSystemProxy {
		transport.Proxy = http.ProxyFromEnvironment
	}

	c := &Client{
		creds:       creds,
		profile:     profile,
		transferURL: creds.EndpointURL,
	}

	switch creds.AuthMethod() {
	case AuthCertPFX:
		pair, err := pfxToPEM(creds.PFXPath, creds.PFXPassword)
		if err != nil {
			return nil, err
		}
		c.tempPEM = &pair
		cert, err := tlsCertificate(pair.CertPath, pair.KeyPath)
		if err != nil {
			pair.erase()
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}}

	case AuthCertJKS:
		pair, err := jksToPEM(creds.JKSPath, creds.JKSPassword, creds.JKSAlias, creds.JKSKeyPassword)
		if err != nil {
			return nil, err
		}
		c.tempPEM = &pair
		cert, err := tlsCertificate(pair.CertPath, pair.KeyPath)
		if err != nil {
			pair.erase()
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}}

	case AuthCertPEM:
		cert, err := tlsCertificate(creds.CertPath, creds.KeyPath)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}}

	default:
		c.stsURL = deriveSTSURL(creds)
	}

	c.httpClient = &http.Client{Transport: transport}
	return c, nil
}

func deriveSTSURL(creds Credentials) string {
	if creds.STSURL != "" {
		return creds.STSURL
	}
	if strings.Contains(creds.EndpointURL, "430_Transfer/Service") {
		return strings.Replace(creds.EndpointURL, "430_Transfer/Service", "410_STS/UserPasswordLogin", 1)
	}
	return ""
}

// Close erases any temp PEM files created for PFX/JKS conversion.
func (c *Client) Close() {
	if c.tempPEM != nil {
		c.tempPEM.erase()
		c.tempPEM = nil
	}
}

func (c *Client) usesCertificate() bool {
	return c.creds.UsesCertificate()
}

// ensureToken issues or refreshes the STS token, skipped entirely for
// certificate auth. A token is treated as expired stsExpiryBuffer before
// its reported Expires.
func (c *Client) ensureToken(ctx context.Context) error {
	if c.usesCertificate() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Add(stsExpiryBuffer).Before(c.tokenExpires) {
		return nil
	}

	token, expires, err := c.fetchSTSToken(ctx)
	if err != nil {
		return err
	}
	c.token = token
	c.tokenExpires = expires
	return nil
}

func (c *Client) fetchSTSToken(ctx context.Context) (string, time.Time, error) {
	body := c.profile.STSEnvelope(STSParams{
		Username: escapeXML(c.creds.Username),
		Password: escapeXML(c.creds.Password),
	})

	respBody, err := c.post(ctx, c.stsURL, body, "")
	if err != nil {
		return "", time.Time{}, err
	}
	text := string(respBody)

	m := reIdentifier.FindStringSubmatch(text)
	if m == nil {
		errText := firstFaultOrErrorText(text)
		return "", time.Time{}, apperror.New(apperror.CodeAuthUnrecoverable, "sts response has no token: "+errText)
	}
	token := m[1]

	expires := time.Now().Add(defaultTokenLife)
	if em := reExpires.FindStringSubmatch(text); em != nil {
		raw := firstNonEmpty(em[1], em[2], em[3])
		if parsed, err := time.Parse(time.RFC3339, strings.Replace(raw, "Z", "+00:00", 1)); err == nil {
			expires = parsed
		}
	}

	return token, expires, nil
}

func firstFaultOrErrorText(text string) string {
	if m := reFaultStr.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := reErrorText.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return "unknown error"
}

func (c *Client) soapHeader() string {
	if c.usesCertificate() {
		return "<soapenv:Header/>"
	}
	return `<soapenv:Header>
      <wsse:Security xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
         <wsc:SecurityContextToken xmlns:wsc="http://schemas.xmlsoap.org/ws/2005/02/sc">
            <wsc:Identifier>` + escapeXML(c.token) + `</wsc:Identifier>
         </wsc:SecurityContextToken>
      </wsse:Security>
   </soapenv:Header>`
}

func (c *Client) consumerIDXML() string {
	if c.creds.ConsumerID == "" {
		return ""
	}
	return "<nac:ConsumerID>" + escapeXML(c.creds.ConsumerID) + "</nac:ConsumerID>"
}

// post issues a SOAP request and returns the raw response body. soapAction
// names the operation for the caller's benefit only; the SOAPAction header
// is always sent as an empty quoted string.
func (c *Client) post(ctx context.Context, url, body, soapAction string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "build soap request")
	}
	req.Header.Set("Content-Type", contentTypeSOAP)
	req.Header.Set("SOAPAction", `""`)
	_ = soapAction // SOAPAction is always the empty string for every known profile today

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeTransientHTTP, "soap request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeTransientHTTP, "read soap response")
	}
	return data, nil
}

// postForShipment is like post but returns the response Content-Type too,
// since getShipment must branch on it to detect MTOM.
func (c *Client) postForShipment(ctx context.Context, url, body string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, "", apperror.Wrap(err, apperror.CodeInternal, "build soap request")
	}
	req.Header.Set("Content-Type", contentTypeSOAP)
	req.Header.Set("SOAPAction", `""`)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", apperror.Wrap(err, apperror.CodeTransientHTTP, "soap request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", apperror.Wrap(err, apperror.CodeTransientHTTP, "read soap response")
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// TestConnection issues a token (if needed) and a listShipments call,
// reporting only whether the round trip succeeded.
func (c *Client) TestConnection(ctx context.Context) bool {
	if err := c.ensureToken(ctx); err != nil {
		return false
	}
	_, err := c.ListShipments(ctx, true)
	return err == nil
}

// ListShipments lists pending shipments. confirm controls whether the VU
// marks them as received; ignored entirely for profiles that never send
// BestaetigeLieferungen (e.g. vema).
func (c *Client) ListShipments(ctx context.Context, confirm bool) ([]ShipmentInfo, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	confirmXML := ""
	if c.profile.IncludeConfirmFlag {
		confirmXML = fmt.Sprintf("<tran:BestaetigeLieferungen>%t</tran:BestaetigeLieferungen>", confirm)
	}

	body := `<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
                  xmlns:tran="http://www.bipro.net/namespace/transfer"
                  xmlns:nac="http://www.bipro.net/namespace/nachrichten"
                  xmlns:bas="http://www.bipro.net/namespace/basis">
   ` + c.soapHeader() + `
   <soapenv:Body>
      <tran:listShipments>
         <tran:Request>
            <nac:BiPROVersion>` + biproVersion + `</nac:BiPROVersion>
            ` + c.consumerIDXML() + `
            ` + confirmXML + `
         </tran:Request>
      </tran:listShipments>
   </soapenv:Body>
</soapenv:Envelope>`

	respBody, err := c.post(ctx, c.transferURL, body, "listShipments")
	if err != nil {
		return nil, err
	}
	text := string(respBody)

	if reStatusNOK.MatchString(text) {
		return nil, apperror.New(apperror.CodeTransientHTTP, "bipro listShipments error: "+firstFaultOrErrorText(text))
	}

	return shipmentsFromXML(text), nil
}

// GetShipment retrieves one shipment's documents, transparently handling
// either an MTOM/XOP multipart response or plain XML with Base64 blobs.
func (c *Client) GetShipment(ctx context.Context, shipmentID string) (*ShipmentContent, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	body := `<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
                  xmlns:tran="http://www.bipro.net/namespace/transfer"
                  xmlns:nac="http://www.bipro.net/namespace/nachrichten"
                  xmlns:bas="http://www.bipro.net/namespace/basis">
   ` + c.soapHeader() + `
   <soapenv:Body>
      <tran:getShipment>
         <tran:Request>
            <nac:BiPROVersion>` + biproVersion + `</nac:BiPROVersion>
            ` + c.consumerIDXML() + `
            <tran:ID>` + escapeXML(shipmentID) + `</tran:ID>
         </tran:Request>
      </tran:getShipment>
   </soapenv:Body>
</soapenv:Envelope>`

	raw, contentType, err := c.postForShipment(ctx, c.transferURL, body)
	if err != nil {
		return nil, err
	}

	if isMTOM(contentType, raw) {
		return parseMTOMShipment(shipmentID, contentType, raw)
	}
	return parsePlainShipment(shipmentID, string(raw))
}

func parseMTOMShipment(shipmentID, contentType string, raw []byte) (*ShipmentContent, error) {
	parts, err := splitMTOM(contentType, raw)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, apperror.New(apperror.CodeInvalidArgument, "mtom response has no parts")
	}

	root := spliceXOP(parts[0].Data, partsByContentID(parts))
	return parsePlainShipment(shipmentID, string(root))
}

func parsePlainShipment(shipmentID, xmlText string) (*ShipmentContent, error) {
	content := &ShipmentContent{ShipmentID: shipmentID, RawXML: xmlText}

	for i, block := range reDocBlock.FindAllStringSubmatch(xmlText, -1) {
		m := reContent.FindStringSubmatch(block[1])
		if m == nil {
			continue
		}
		clean := strings.NewReplacer("\n", "", " ", "", "\r", "").Replace(m[1])
		if len(clean) <= 50 {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(clean)
		if err != nil {
			continue
		}

		filename := fmt.Sprintf("dokument_%d.pdf", i+1)
		if fm := reFilename.FindStringSubmatch(block[1]); fm != nil {
			filename = fm[1]
		}
		content.Documents = append(content.Documents, ShipmentDocument{
			Filename: filename,
			Content:  decoded,
			MimeType: "application/pdf",
		})
	}

	if km := reKategorie.FindStringSubmatch(xmlText); km != nil {
		content.Category = km[1]
	}

	return content, nil
}

// AcknowledgeShipment confirms receipt of shipmentID.
func (c *Client) AcknowledgeShipment(ctx context.Context, shipmentID string) (bool, error) {
	if err := c.ensureToken(ctx); err != nil {
		return false, err
	}

	body := `<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
                  xmlns:tran="http://www.bipro.net/namespace/transfer"
                  xmlns:nac="http://www.bipro.net/namespace/nachrichten"
                  xmlns:bas="http://www.bipro.net/namespace/basis">
   ` + c.soapHeader() + `
   <soapenv:Body>
      <tran:acknowledgeShipment>
         <tran:Request>
            <nac:BiPROVersion>` + biproVersion + `</nac:BiPROVersion>
            ` + c.consumerIDXML() + `
            <tran:ID>` + escapeXML(shipmentID) + `</tran:ID>
         </tran:Request>
      </tran:acknowledgeShipment>
   </soapenv:Body>
</soapenv:Envelope>`

	respBody, err := c.post(ctx, c.transferURL, body, "acknowledgeShipment")
	if err != nil {
		return false, err
	}
	return reStatusOK.MatchString(string(respBody)), nil
}
