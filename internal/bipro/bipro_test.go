package bipro

import (
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeXML(t *testing.T) {
	assert.Equal(t, "a &amp; b &lt;c&gt; &quot;d&quot; &apos;e&apos;", escapeXML(`a & b <c> "d" 'e'`))
}

func TestDetectProfile_Vema(t *testing.T) {
	p := DetectProfile("VEMA Versicherung", "", "")
	assert.Equal(t, "vema", p.Name)
	assert.False(t, p.IncludeConfirmFlag)
	assert.True(t, p.RequireConsumerID)
}

func TestDetectProfile_VemaByURL(t *testing.T) {
	p := DetectProfile("", "https://portal.vemaeg.de/transfer", "")
	assert.Equal(t, "vema", p.Name)
}

func TestDetectProfile_Default(t *testing.T) {
	p := DetectProfile("Degenia", "https://transfer.degenia.de/x", "")
	assert.Equal(t, "default", p.Name)
	assert.True(t, p.IncludeConfirmFlag)
}

func TestShipmentsFromXML(t *testing.T) {
	xml := `<tran:Lieferung>
		<tran:ID>SHIP-1</tran:ID>
		<tran:Kategorie>Courtage</tran:Kategorie>
		<tran:AnzahlTransfers>3</tran:AnzahlTransfers>
		<tran:EnthaeltNurDaten>true</tran:EnthaeltNurDaten>
	</tran:Lieferung>`

	shipments := shipmentsFromXML(xml)
	require.Len(t, shipments, 1)
	assert.Equal(t, "SHIP-1", shipments[0].ShipmentID)
	assert.Equal(t, "Courtage", shipments[0].Category)
	assert.Equal(t, 3, shipments[0].TransferCount)
	assert.True(t, shipments[0].ContainsOnlyData)
}

func TestParsePlainShipment_ExtractsBase64Document(t *testing.T) {
	content := "SGVsbG8gd29ybGQhIFRoaXMgaXMgYSB0ZXN0IGRvY3VtZW50IGNvbnRlbnQu" // > 50 chars after strip
	xml := `<nac:Dokument>
		<nac:Dateiname>test.pdf</nac:Dateiname>
		<nac:Inhalt>` + content + `</nac:Inhalt>
	</nac:Dokument>`

	result, err := parsePlainShipment("SHIP-1", xml)
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, "test.pdf", result.Documents[0].Filename)
	assert.Contains(t, string(result.Documents[0].Content), "Hello world")
}

func TestSplitMTOM_RoundTrip(t *testing.T) {
	var buf strings.Builder
	w := multipart.NewWriter(&buf)
	w.SetBoundary("MIME_BOUNDARY")

	root, err := w.CreatePart(map[string][]string{"Content-ID": {"<root>"}})
	require.NoError(t, err)
	_, _ = root.Write([]byte(`<Envelope><xop:Include href="cid:part1"/></Envelope>`))

	part1, err := w.CreatePart(map[string][]string{"Content-ID": {"<part1>"}})
	require.NoError(t, err)
	_, _ = part1.Write([]byte("binary-data"))

	require.NoError(t, w.Close())

	parts, err := splitMTOM(`multipart/related; boundary="MIME_BOUNDARY"`, []byte(buf.String()))
	require.NoError(t, err)
	require.Len(t, parts, 2)

	spliced := spliceXOP(parts[0].Data, partsByContentID(parts))
	assert.Equal(t, `<Envelope>binary-data</Envelope>`, string(spliced))
}

func TestIsMTOM(t *testing.T) {
	assert.True(t, isMTOM("multipart/related; boundary=x", nil))
	assert.True(t, isMTOM("", []byte("--boundary")))
	assert.False(t, isMTOM("text/xml", []byte("<xml/>")))
}

func TestCredentials_AuthMethod(t *testing.T) {
	assert.Equal(t, AuthSTS, Credentials{}.AuthMethod())
	assert.Equal(t, AuthCertPFX, Credentials{PFXPath: "a.pfx"}.AuthMethod())
	assert.Equal(t, AuthCertJKS, Credentials{JKSPath: "a.jks"}.AuthMethod())
	assert.Equal(t, AuthCertPEM, Credentials{CertPath: "a.pem", KeyPath: "b.pem"}.AuthMethod())
}
