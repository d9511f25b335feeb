package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/archive"
	"atlas/internal/domain"
	"atlas/internal/llm"
	"atlas/pkg/httpclient"
)

// fakeArchiveServer answers the subset of the archive API contract the
// classifier engine exercises for documents that never reach the PDF or
// spreadsheet rungs (manual_excluded, xml_raw and the default rung). The
// download route serves non-GDV bytes for the GDV content probe of rung 4.
type fakeArchiveServer struct {
	mu  sync.Mutex
	doc domain.Document
}

func (s *fakeArchiveServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/documents/1", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			writeEnvelope(w, s.doc)
		case http.MethodPut:
			var patch map[string]any
			_ = json.NewDecoder(r.Body).Decode(&patch)
			applyPatch(&s.doc, patch)
			writeEnvelope(w, s.doc)
		}
	})
	mux.HandleFunc("/documents/1/download", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("opaque binary payload"))
	})
	mux.HandleFunc("/documents/1/history", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, struct{}{})
	})
	mux.HandleFunc("/documents/1/ai-data", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, struct{}{})
	})
	return mux
}

func applyPatch(doc *domain.Document, patch map[string]any) {
	if v, ok := patch["box_type"]; ok && v != nil {
		doc.BoxType = domain.BoxType(fmt.Sprint(v))
	}
	if v, ok := patch["processing_status"]; ok && v != nil {
		doc.ProcessingStatus = domain.ProcessingStatus(fmt.Sprint(v))
	}
	if v, ok := patch["document_category"]; ok && v != nil {
		doc.DocumentCategory = fmt.Sprint(v)
	}
	if v, ok := patch["is_archived"]; ok && v != nil {
		doc.IsArchived, _ = v.(bool)
	}
	if v, ok := patch["original_filename"]; ok && v != nil {
		doc.OriginalFilename = fmt.Sprint(v)
	}
}

func writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func newTestEngine(t *testing.T, doc domain.Document) (*Engine, *fakeArchiveServer) {
	t.Helper()
	srv := &fakeArchiveServer{doc: doc}
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	httpClient := httpclient.New(ts.URL, ts.Client(), httpclient.DefaultRetryConfig())
	repo := archive.New(httpClient)
	return New(repo, nil, nil, nil, nil, nil), srv
}

func TestProcess_ManualExcluded_ShortCircuits(t *testing.T) {
	doc := domain.Document{ID: 1, OriginalFilename: "x.pdf", ProcessingStatus: domain.StatusManualExcluded, BoxType: domain.BoxEingang}
	engine, _ := newTestEngine(t, doc)

	result := engine.Process(context.Background(), 1, llm.Settings{})
	assert.True(t, result.Success)
	assert.Equal(t, "manual_excluded", result.Category)
	assert.Equal(t, domain.BoxEingang, result.BoxType)
}

func TestProcess_XMLRawPattern_RoutesToRoh(t *testing.T) {
	doc := domain.Document{ID: 1, OriginalFilename: "export_roh.xml", FileExtension: ".xml", BoxType: domain.BoxEingang, ProcessingStatus: domain.StatusPending}
	engine, srv := newTestEngine(t, doc)

	result := engine.Process(context.Background(), 1, llm.Settings{})
	require.True(t, result.Success)
	assert.Equal(t, domain.BoxRoh, result.BoxType)
	assert.Equal(t, "xml_raw", result.Category)
	assert.Equal(t, domain.BoxRoh, srv.doc.BoxType)
}

func TestProcess_NoRuleMatches_FallsBackToSonstige(t *testing.T) {
	doc := domain.Document{ID: 1, OriginalFilename: "unknown.bin", FileExtension: ".bin", BoxType: domain.BoxEingang, ProcessingStatus: domain.StatusPending}
	engine, _ := newTestEngine(t, doc)

	result := engine.Process(context.Background(), 1, llm.Settings{})
	require.True(t, result.Success)
	assert.Equal(t, domain.BoxSonstige, result.BoxType)
	assert.Equal(t, "unknown", result.Category)
}

func TestIsBIPROCourtageAndGDV(t *testing.T) {
	assert.True(t, isBIPROCourtage("300100"))
	assert.False(t, isBIPROCourtage("999100"))
	assert.True(t, isBIPROGDV("999100"))
	assert.False(t, isBIPROGDV("300100"))
}

func TestSparteFilename_CourtageIncludesDate(t *testing.T) {
	engine := &Engine{}
	doc := &domain.Document{VUName: "Allianz"}
	name := engine.sparteFilename(doc, llm.SparteResult{Sparte: llm.SparteCourtage, DocumentDateISO: "2026-01-02"})
	assert.Equal(t, "Allianz_courtage_2026-01-02.pdf", name)
}
