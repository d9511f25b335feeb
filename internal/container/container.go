// Package container expands user-supplied upload paths (ZIP archives,
// Outlook MSG files, images) into the flat list of upload jobs the batch
// orchestrator actually queues. Nothing here talks to the archive API; jobs
// are handed back for the caller to upload.
package container

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/phpdave11/gofpdf"
	"github.com/richardlehane/mscfb"

	"atlas/internal/domain"
	"atlas/internal/pdfsvc"
	"atlas/pkg/apperror"
)

// Placement is where an expanded job is queued.
type Placement string

const (
	PlacementEingang Placement = "eingang"
	PlacementRoh     Placement = "roh"
)

// Job is one file ready to be uploaded.
type Job struct {
	Path      string
	Placement Placement
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".tif": true, ".tiff": true, ".bmp": true,
}

// Expander walks a set of user-supplied paths, recursively expanding ZIPs
// and MSG files, converting images to single-page PDFs, and tracks every
// temp directory it creates so the caller can remove them once the batch
// finishes (success or failure).
type Expander struct {
	passwords []string
	tempDirs  []string
	seen      map[string]int // per-extraction-pass filename collision counters, keyed by dir and filename
}

// NewExpander builds an Expander that unlocks password-protected PDF ZIP
// entries using passwords, in order, via internal/pdfsvc.
func NewExpander(passwords []string) *Expander {
	return &Expander{passwords: passwords, seen: map[string]int{}}
}

// TempDirs returns every temp directory created during expansion so far.
func (e *Expander) TempDirs() []string {
	return append([]string(nil), e.tempDirs...)
}

// Cleanup removes every tracked temp directory. Call once the batch's
// uploads have completed, whether or not they succeeded.
func (e *Expander) Cleanup() {
	for _, dir := range e.tempDirs {
		_ = os.RemoveAll(dir)
	}
	e.tempDirs = nil
}

// Expand produces the flat job list for paths.
func (e *Expander) Expand(paths []string) ([]Job, error) {
	var jobs []Job
	for _, p := range paths {
		expanded, err := e.expandOne(p)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, expanded...)
	}
	return jobs, nil
}

func (e *Expander) expandOne(path string) ([]Job, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch {
	case ext == ".zip":
		return e.expandZip(path)
	case ext == ".msg":
		return e.expandMSG(path)
	case imageExtensions[ext]:
		return e.expandImage(path)
	default:
		return []Job{{Path: path, Placement: PlacementRoh}}, nil
	}
}

// expandZip queues the archive itself as roh and recurses into each entry.
// A ZIP entry that is an encrypted PDF is unlocked via pdfsvc before being
// queued.
func (e *Expander) expandZip(path string) ([]Job, error) {
	jobs := []Job{{Path: path, Placement: PlacementRoh}}

	r, err := zip.OpenReader(path)
	if err != nil {
		return jobs, apperror.Wrap(err, apperror.CodeContainerError, "open zip archive")
	}
	defer r.Close()

	dir, err := e.newTempDir("zip")
	if err != nil {
		return jobs, err
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		extracted, err := e.extractZipEntry(f, dir)
		if err != nil {
			return jobs, err
		}

		if strings.ToLower(filepath.Ext(extracted)) == ".pdf" {
			if validated, err := pdfsvc.Validate(extracted, e.passwords); err == nil {
				extracted = validated
			}
			// a validation failure here is not fatal to the expansion pass;
			// the unreadable PDF is still queued and will fail later, with a
			// typed error, at upload/classification time.
		}

		nested, err := e.expandOne(extracted)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, nested...)
	}

	return jobs, nil
}

func (e *Expander) extractZipEntry(f *zip.File, dir string) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeContainerError, "open zip entry")
	}
	defer rc.Close()

	name := e.uniqueName(dir, filepath.Base(f.Name))
	dest := filepath.Join(dir, name)

	out, err := os.Create(dest)
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeContainerError, "create extracted file")
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return "", apperror.Wrap(err, apperror.CodeContainerError, "write extracted file")
	}
	return dest, nil
}

// expandMSG queues the MSG itself as roh, recurses into its attachments,
// and lets nested ZIP attachments produce their own roh record.
func (e *Expander) expandMSG(path string) ([]Job, error) {
	jobs := []Job{{Path: path, Placement: PlacementRoh}}

	f, err := os.Open(path)
	if err != nil {
		return jobs, apperror.Wrap(err, apperror.CodeContainerError, "open msg file")
	}
	defer f.Close()

	doc, err := mscfb.New(f)
	if err != nil {
		return jobs, apperror.Wrap(err, apperror.CodeContainerError, "parse msg compound file")
	}

	dir, err := e.newTempDir("msg")
	if err != nil {
		return jobs, err
	}

	attachments := collectMSGAttachments(doc)
	for i, att := range attachments {
		name := att.name
		if name == "" {
			name = fmt.Sprintf("attachment_%d.bin", i+1)
		}
		name = e.uniqueName(dir, name)
		dest := filepath.Join(dir, name)

		if err := os.WriteFile(dest, att.data, 0644); err != nil {
			return jobs, apperror.Wrap(err, apperror.CodeContainerError, "write msg attachment")
		}

		nested, err := e.expandOne(dest)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, nested...)
	}

	return jobs, nil
}

type msgAttachment struct {
	name string
	data []byte
}

// collectMSGAttachments walks an Outlook compound file's entries, pulling
// out the binary data stream of every "__attach" storage. Attachment
// filenames live in the "__substg1.0_3707001F"/"__substg1.0_3704001E"
// property streams; data lives in "__substg1.0_37010102" (or "0003" for an
// embedded message, which this expander treats as opaque binary).
func collectMSGAttachments(doc *mscfb.Reader) []msgAttachment {
	byParent := map[int]*msgAttachment{}
	order := []int{}

	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		parent := entry.Path
		if len(parent) == 0 || !strings.Contains(strings.Join(parent, "/"), "attach") {
			continue
		}
		parentKey := attachmentIndex(parent)
		if parentKey < 0 {
			continue
		}
		att, ok := byParent[parentKey]
		if !ok {
			att = &msgAttachment{}
			byParent[parentKey] = att
			order = append(order, parentKey)
		}

		switch {
		case strings.HasPrefix(entry.Name, "__substg1.0_3707") || strings.HasPrefix(entry.Name, "__substg1.0_3704"):
			buf := make([]byte, entry.Size)
			if n, _ := doc.Read(buf); n > 0 {
				att.name = decodeMSGString(buf[:n])
			}
		case strings.HasPrefix(entry.Name, "__substg1.0_3701"):
			buf := make([]byte, entry.Size)
			n, _ := doc.Read(buf)
			att.data = buf[:n]
		}
	}

	attachments := make([]msgAttachment, 0, len(order))
	for _, k := range order {
		if byParent[k].data != nil {
			attachments = append(attachments, *byParent[k])
		}
	}
	return attachments
}

func attachmentIndex(path []string) int {
	for _, p := range path {
		if strings.HasPrefix(p, "__attach_version1.0_#") {
			var idx int
			if _, err := fmt.Sscanf(p, "__attach_version1.0_#%d", &idx); err == nil {
				return idx
			}
		}
	}
	return -1
}

// decodeMSGString strips UTF-16LE NUL-interleaving when present; MAPI
// string properties with the 0x1F type tag are UTF-16LE.
func decodeMSGString(b []byte) string {
	if len(b) >= 2 && len(b)%2 == 0 {
		isUTF16 := true
		for i := 1; i < len(b); i += 2 {
			if b[i] != 0 {
				isUTF16 = false
				break
			}
		}
		if isUTF16 {
			out := make([]byte, 0, len(b)/2)
			for i := 0; i < len(b); i += 2 {
				out = append(out, b[i])
			}
			return strings.TrimRight(string(out), "\x00")
		}
	}
	return strings.TrimRight(string(b), "\x00")
}

// expandImage converts an image file to a single-page PDF, queuing the PDF
// for eingang and the original image for roh so the original stays
// archived alongside the normalized copy.
func (e *Expander) expandImage(path string) ([]Job, error) {
	dir, err := e.newTempDir("img")
	if err != nil {
		return nil, err
	}

	pdfPath := filepath.Join(dir, e.uniqueName(dir, baseNameNoExt(path)+".pdf"))
	if err := imageToPDF(path, pdfPath); err != nil {
		return nil, err
	}

	return []Job{
		{Path: pdfPath, Placement: PlacementEingang},
		{Path: path, Placement: PlacementRoh},
	}, nil
}

func imageToPDF(imagePath, pdfPath string) error {
	ext := strings.ToLower(filepath.Ext(imagePath))
	imgType := strings.TrimPrefix(ext, ".")
	switch imgType {
	case "jpg":
		imgType = "jpeg"
	case "tif":
		imgType = "tiff"
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	info := pdf.RegisterImageOptions(imagePath, gofpdf.ImageOptions{ImageType: imgType})
	if info == nil {
		return apperror.New(apperror.CodeContainerError, "register image for pdf conversion")
	}

	pageW, pageH := pdf.GetPageSize()
	imgW, imgH := info.Extent()
	scale := pageW / imgW
	if imgH*scale > pageH {
		scale = pageH / imgH
	}
	pdf.ImageOptions(imagePath, 0, 0, imgW*scale, imgH*scale, false, gofpdf.ImageOptions{ImageType: imgType}, 0, "")

	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return apperror.Wrap(err, apperror.CodeContainerError, "write converted pdf")
	}
	return nil
}

func baseNameNoExt(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (e *Expander) newTempDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp("", "atlas-"+prefix+"-*")
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeContainerError, "create temp dir")
	}
	e.tempDirs = append(e.tempDirs, dir)
	return dir, nil
}

// uniqueName suffixes "_1", "_2", ... on a name collision within dir during
// this extraction pass.
func (e *Expander) uniqueName(dir, name string) string {
	key := filepath.Join(dir, name)
	count := e.seen[key]
	e.seen[key] = count + 1
	if count == 0 {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%d%s", base, count, ext)
}

// PlacementForBoxType maps a box type to its container placement; it is
// used by callers deciding whether a queued job lands in eingang or stays
// an un-indexed roh record.
func PlacementForBoxType(b domain.BoxType) Placement {
	if b == domain.BoxRoh {
		return PlacementRoh
	}
	return PlacementEingang
}
