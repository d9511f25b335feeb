package probe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestSHA256(t *testing.T) {
	path := writeTemp(t, "a.txt", []byte("hello world"))
	hash, err := SHA256(path)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	hash2, err := SHA256(path)
	require.NoError(t, err)
	assert.Equal(t, hash, hash2)
}

func TestDetectType(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		want    FileType
	}{
		{"pdf", []byte("%PDF-1.4\n..."), TypePDF},
		{"xml prolog", []byte("<?xml version=\"1.0\"?><root/>"), TypeXML},
		{"xml bare tag", []byte("<root>content</root>"), TypeXML},
		{"gdv ascii", []byte("0001VU Bits and bytes test sender here0000000000000000000000000000001012026"), TypeGDV},
		{"unknown", []byte("random binary junk"), TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, "probe", tt.content)
			got, err := DetectType(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractGDVHeader_Found(t *testing.T) {
	// columns (1-based): 1-4 "0001", 5-9 VU, 10-39 sender (30 chars), 70-77 date (DDMMYYYY)
	vu := "12345"
	sender := padRight("Musterversicherung AG", 30)
	filler := padRight("", 69-4-5-30) // pad up to column 70
	date := "15032026"
	line := "0001" + vu + sender + filler + date + "\n"

	path := writeTemp(t, "gdv.txt", []byte(line))
	header, err := ExtractGDVHeader(path)
	require.NoError(t, err)

	assert.Equal(t, "12345", header.VUNumber)
	assert.Equal(t, "Musterversicherung AG", header.Sender)
	assert.Equal(t, "2026-03-15", header.Date)
}

func TestExtractGDVHeader_Fallback(t *testing.T) {
	path := writeTemp(t, "notgdv.txt", []byte("no vorsatz line here at all"))
	header, err := ExtractGDVHeader(path)
	require.NoError(t, err)

	assert.Equal(t, fallbackVU, header.VUNumber)
	assert.Equal(t, fallbackDate, header.Date)
}

func padRight(s string, n int) string {
	for len(s) < n {
		s += " "
	}
	return s
}
