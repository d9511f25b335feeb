// Package pdfsvc wraps pdfcpu to validate, unlock, repair and inspect PDF
// documents before they enter the archive. No operation here talks to the
// archive repository or any cache; callers are responsible for wiring the
// results back (internal/rules, for example, uploads the file that
// RemoveEmptyPagesFile writes).
package pdfsvc

import (
	"os"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"atlas/pkg/apperror"
)

const (
	repairedSuffix = ".repaired.pdf"
	// emptyPageTextThreshold is the minimum number of runes a page's extracted
	// text must contain, after trimming leading and trailing whitespace,
	// before the page counts as non-empty.
	emptyPageTextThreshold = 3
)

func defaultConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Validate opens path and returns the path that should be used going
// forward. If the document is encrypted, it is unlocked first. If opening
// fails outright, a repair pass (garbage collection, deflate, clean) is
// attempted and the repaired path is returned on success. A document with
// zero pages is treated as invalid even if it opens cleanly.
func Validate(path string, passwords []string) (string, error) {
	conf := defaultConfig()

	err := api.ValidateFile(path, conf)
	switch {
	case err == nil:
		return validatePageCount(path, conf)

	case isEncryptedErr(err):
		if unlockErr := Unlock(path, passwords); unlockErr != nil {
			return "", unlockErr
		}
		return validatePageCount(path, conf)

	default:
		repaired, repairErr := repair(path)
		if repairErr != nil {
			return "", apperror.Wrap(err, apperror.CodePDFCorrupt, "pdf failed validation and repair")
		}
		return validatePageCount(repaired, conf)
	}
}

func validatePageCount(path string, conf *model.Configuration) (string, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodePDFError, "count pages")
	}
	if n < 1 {
		return "", apperror.New(apperror.CodePDFCorrupt, "pdf has zero pages")
	}
	return path, nil
}

// repair reads and re-serialises path to a sibling "<path>.repaired.pdf"
// file using pdfcpu's optimize pass (garbage collection, deflate, clean).
// It returns the repaired path if the result passes validation; the page
// count is checked by the caller.
func repair(path string) (string, error) {
	out := path + repairedSuffix
	conf := defaultConfig()
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false

	if err := api.OptimizeFile(path, out, conf); err != nil {
		return "", apperror.Wrap(err, apperror.CodePDFCorrupt, "repair pass failed to produce a readable pdf")
	}
	if err := api.ValidateFile(out, conf); err != nil {
		return "", apperror.Wrap(err, apperror.CodePDFCorrupt, "repaired pdf still fails validation")
	}
	return out, nil
}

// Unlock tries every password in passwords, in order, until one opens path.
// The unlocked bytes are written in place. It returns a CodePDFEncrypted
// error when no password is configured or none of them fits; it does not
// check whether path was encrypted in the first place.
func Unlock(path string, passwords []string) error {
	conf := defaultConfig()

	if len(passwords) == 0 {
		return apperror.New(apperror.CodePDFEncrypted, "pdf is encrypted and no password is configured")
	}

	var lastErr error
	for _, pw := range passwords {
		conf.UserPW = pw
		conf.OwnerPW = pw
		if err := api.DecryptFile(path, path, conf); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	return apperror.Wrap(lastErr, apperror.CodePDFEncrypted, "no configured password unlocked pdf")
}

func isEncryptedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "encrypt") || strings.Contains(msg, "password")
}

// ExtractText concatenates the per-page text of path and reports which
// 1-based page numbers actually contained text.
func ExtractText(path string) (fullText string, pagesWithText []int, err error) {
	conf := defaultConfig()
	pages, extractErr := api.ExtractTextPlainFile(path, conf)
	if extractErr != nil {
		return "", nil, apperror.Wrap(extractErr, apperror.CodePDFError, "extract text")
	}

	var sb strings.Builder
	for i, text := range pages {
		trimmed := strings.TrimSpace(text)
		if trimmed != "" {
			pagesWithText = append(pagesWithText, i+1)
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), pagesWithText, nil
}

// DetectEmptyPages reports the 1-based indices of pages whose extracted text
// falls below emptyPageTextThreshold, plus the document's total page count.
// It is pure: no file is written and no archive call is made.
func DetectEmptyPages(path string) (emptyIndices []int, totalPages int, err error) {
	conf := defaultConfig()
	pages, extractErr := api.ExtractTextPlainFile(path, conf)
	if extractErr != nil {
		return nil, 0, apperror.Wrap(extractErr, apperror.CodePDFError, "extract text for empty page detection")
	}

	totalPages = len(pages)
	for i, text := range pages {
		if len([]rune(strings.TrimSpace(text))) < emptyPageTextThreshold {
			emptyIndices = append(emptyIndices, i+1)
		}
	}
	return emptyIndices, totalPages, nil
}

// RemoveEmptyPagesFile writes a copy of path at outPath with the 1-based
// page numbers in empty removed, provided at least one page survives. It
// does not touch the archive; the caller uses this alongside
// archive.Repository.ReplaceFile and archive.Repository.Update.
func RemoveEmptyPagesFile(path, outPath string, empty []int, totalPages int) error {
	if len(empty) == 0 || len(empty) >= totalPages {
		return apperror.New(apperror.CodeInvalidArgument, "remove_empty_pages requires some but not all pages to be empty")
	}

	selector := make([]string, len(empty))
	for i, p := range empty {
		selector[i] = itoa(p)
	}

	conf := defaultConfig()
	if err := api.RemovePagesFile(path, outPath, selector, conf); err != nil {
		return apperror.Wrap(err, apperror.CodePDFError, "remove empty pages")
	}
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// cleanupRepaired removes a repaired sibling file once its contents have
// been adopted (e.g. after ReplaceFile uploads it), matching the original
// pipeline's policy of never leaving ".repaired.pdf" scratch files behind.
func cleanupRepaired(path string) {
	if strings.HasSuffix(path, repairedSuffix) {
		_ = os.Remove(path)
	}
}
