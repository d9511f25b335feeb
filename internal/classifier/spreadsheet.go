package classifier

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"atlas/pkg/apperror"
)

const spreadsheetPreviewRows = 50

// isSpreadsheet reports whether ext (lowercase, with leading dot) is one of
// the spreadsheet formats classified by the LLM's spreadsheet prompt.
func isSpreadsheet(ext string) bool {
	switch strings.ToLower(ext) {
	case ".csv", ".tsv", ".xlsx":
		return true
	default:
		return false
	}
}

// extractSpreadsheetPreview renders the first ~50 rows of a CSV/TSV/XLSX
// file as plain text for the LLM spreadsheet prompt.
func extractSpreadsheetPreview(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return extractXLSXPreview(path)
	default:
		return extractDelimitedPreview(path)
	}
}

func extractDelimitedPreview(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeInternal, "open spreadsheet for preview")
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for i := 0; i < spreadsheetPreviewRows && scanner.Scan(); i++ {
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func extractXLSXPreview(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodePDFError, "open xlsx for preview")
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", apperror.New(apperror.CodeInvalidArgument, "xlsx has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodePDFError, "read xlsx rows")
	}

	var b strings.Builder
	for i, row := range rows {
		if i >= spreadsheetPreviewRows {
			break
		}
		b.WriteString(strings.Join(row, "\t"))
		b.WriteByte('\n')
	}
	return b.String(), nil
}
