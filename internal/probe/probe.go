// Package probe computes content hashes and performs the magic-byte file
// type detection and GDV header extraction used to classify incoming
// documents before the LLM ever sees them.
package probe

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"atlas/pkg/apperror"
)

const (
	sniffWindow  = 256
	bufferSize   = 64 * 1024
	fallbackVU   = "Xvu"
	fallbackDate = "kDatum"
)

// FileType is the magic-byte-detected content type.
type FileType string

const (
	TypePDF     FileType = "pdf"
	TypeXML     FileType = "xml"
	TypeGDV     FileType = "gdv"
	TypeUnknown FileType = "unknown"
)

// SHA256 streams path through SHA-256 using a 64 KiB buffer and returns the
// hex digest.
func SHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeInternal, "open file for hashing")
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(h, bufio.NewReaderSize(f, bufferSize), buf); err != nil {
		return "", apperror.Wrap(err, apperror.CodeInternal, "hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DetectType reads path's leading bytes and classifies its content.
func DetectType(path string) (FileType, error) {
	f, err := os.Open(path)
	if err != nil {
		return TypeUnknown, apperror.Wrap(err, apperror.CodeInternal, "open file for type detection")
	}
	defer f.Close()

	buf := make([]byte, sniffWindow)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return TypeUnknown, apperror.Wrap(err, apperror.CodeInternal, "read file for type detection")
	}
	return detectType(buf[:n]), nil
}

func detectType(firstBytes []byte) FileType {
	if len(firstBytes) == 0 {
		return TypeUnknown
	}

	if bytes.HasPrefix(firstBytes, []byte("%PDF")) {
		return TypePDF
	}

	trimmed := bytes.TrimLeft(firstBytes, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return TypeXML
	}
	if bytes.HasPrefix(trimmed, []byte("<")) && bytes.Contains(trimmed, []byte(">")) {
		return TypeXML
	}

	for _, decode := range []func([]byte) (string, error){decodeCP1252, decodeLatin1, decodeUTF8} {
		text, err := decode(firstBytes)
		if err != nil {
			continue
		}
		firstLine := strings.TrimSpace(firstLineOf(text))
		if strings.HasPrefix(firstLine, "0001") {
			return TypeGDV
		}
		break // decoding succeeded but wasn't a GDV header; don't try further encodings
	}

	return TypeUnknown
}

func firstLineOf(s string) string {
	if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
		return s[:idx]
	}
	return s
}

func decodeCP1252(b []byte) (string, error) {
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeLatin1(b []byte) (string, error) {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeUTF8(b []byte) (string, error) {
	return string(b), nil
}

// GDVHeader is the Vorsatz (record type 0001) metadata pulled from a GDV
// file without any classification work.
type GDVHeader struct {
	VUNumber string
	Sender   string
	Date     string // ISO YYYY-MM-DD, or the fallback
}

// ExtractGDVHeader scans path for the first line beginning with "0001" and
// reads the VU number, sender and date fields at their fixed column
// offsets. Missing values fall back to fixed sentinels so a renamed file
// always has a deterministic structure.
func ExtractGDVHeader(path string) (GDVHeader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GDVHeader{}, apperror.Wrap(err, apperror.CodeInternal, "read GDV file")
	}

	for _, decode := range []func([]byte) (string, error){decodeCP1252, decodeLatin1, decodeUTF8} {
		text, err := decode(data)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimRight(line, "\r")
			if len(line) < 77 || line[0:4] != "0001" {
				continue
			}
			return parseGDVLine(line), nil
		}
		break
	}

	return GDVHeader{VUNumber: fallbackVU, Date: fallbackDate}, nil
}

// parseGDVLine reads the fixed-width fields: VU number at columns 5-9
// (1-based), sender at columns 10-39, date at columns 70-77 (DDMMYYYY).
func parseGDVLine(line string) GDVHeader {
	vu := strings.TrimSpace(line[4:9])
	sender := ""
	if len(line) >= 39 {
		sender = strings.TrimSpace(line[9:39])
	}

	date := ""
	if len(line) >= 77 {
		raw := strings.TrimSpace(line[69:77])
		if len(raw) == 8 && isDigits(raw) {
			day, month, year := raw[0:2], raw[2:4], raw[4:8]
			date = year + "-" + month + "-" + day
		}
	}

	if vu == "" && sender == "" {
		vu = fallbackVU
	}
	if date == "" {
		date = fallbackDate
	}

	return GDVHeader{VUNumber: vu, Sender: sender, Date: date}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
