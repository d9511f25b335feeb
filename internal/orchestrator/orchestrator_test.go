package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/archive"
	"atlas/internal/classifier"
	"atlas/internal/domain"
	"atlas/internal/llm"
	"atlas/pkg/httpclient"
)

type fakeServer struct {
	mu        sync.Mutex
	docs      map[int64]*domain.Document
	batchLogs []map[string]any
}

func newFakeServer(docs []domain.Document) *fakeServer {
	s := &fakeServer{docs: map[int64]*domain.Document{}}
	for i := range docs {
		d := docs[i]
		s.docs[d.ID] = &d
	}
	return s
}

func (s *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/documents", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var list []domain.Document
		for _, d := range s.docs {
			list = append(list, *d)
		}
		writeEnvelope(w, list)
	})
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.batchLogs = append(s.batchLogs, body)
		writeEnvelope(w, map[string]any{"id": int64(len(s.batchLogs))})
	})
	mux.HandleFunc("/documents/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		id := parseTrailingID(r.URL.Path)
		doc := s.docs[id]
		if doc == nil {
			writeEnvelope(w, struct{}{})
			return
		}
		switch {
		case r.Method == http.MethodGet && !hasSuffix(r.URL.Path, "/history") && !hasSuffix(r.URL.Path, "/ai-data"):
			writeEnvelope(w, *doc)
		case r.Method == http.MethodPut:
			var patch map[string]any
			_ = json.NewDecoder(r.Body).Decode(&patch)
			applyPatch(doc, patch)
			writeEnvelope(w, *doc)
		default:
			writeEnvelope(w, struct{}{})
		}
	})
	return mux
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func parseTrailingID(path string) int64 {
	var id int64
	for i := len("/documents/"); i < len(path) && path[i] >= '0' && path[i] <= '9'; i++ {
		id = id*10 + int64(path[i]-'0')
	}
	return id
}

func applyPatch(doc *domain.Document, patch map[string]any) {
	if v, ok := patch["box_type"]; ok && v != nil {
		doc.BoxType = domain.BoxType(toString(v))
	}
	if v, ok := patch["processing_status"]; ok && v != nil {
		doc.ProcessingStatus = domain.ProcessingStatus(toString(v))
	}
	if v, ok := patch["document_category"]; ok && v != nil {
		doc.DocumentCategory = toString(v)
	}
	if v, ok := patch["is_archived"]; ok && v != nil {
		doc.IsArchived, _ = v.(bool)
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

type fakePauser struct {
	paused  int
	resumed int
}

func (p *fakePauser) Pause()  { p.paused++ }
func (p *fakePauser) Resume() { p.resumed++ }

type fakeCredits struct {
	provider string
	value    float64
}

func (f fakeCredits) Provider() string { return f.provider }
func (f fakeCredits) FetchCredits(ctx context.Context) (float64, error) {
	return f.value, nil
}

func TestProcessInbox_RunsWorkerPoolAndAggregates(t *testing.T) {
	docs := []domain.Document{
		{ID: 1, OriginalFilename: "a_roh.xml", FileExtension: ".xml", BoxType: domain.BoxEingang, ProcessingStatus: domain.StatusPending},
		{ID: 2, OriginalFilename: "b_roh.xml", FileExtension: ".xml", BoxType: domain.BoxEingang, ProcessingStatus: domain.StatusPending},
		{ID: 3, OriginalFilename: "manual.bin", FileExtension: ".bin", BoxType: domain.BoxEingang, ProcessingStatus: domain.StatusManualExcluded},
	}
	srv := newFakeServer(docs)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	httpClient := httpclient.New(ts.URL, ts.Client(), httpclient.DefaultRetryConfig())
	repo := archive.New(httpClient)
	engine := classifier.New(repo, nil, nil, nil, nil, nil)
	pauser := &fakePauser{}

	orc := New(repo, engine, fakeCredits{provider: "openrouter", value: 10}, pauser, 4)

	var progressCalls int
	var mu sync.Mutex
	result, err := orc.ProcessInbox(context.Background(), llm.Settings{}, func(p Progress) {
		mu.Lock()
		progressCalls++
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 2, len(result.Results), "manual_excluded document must be filtered out of the batch")
	assert.Equal(t, 1, pauser.paused)
	assert.Equal(t, 1, pauser.resumed)
	assert.Equal(t, 2, progressCalls)

	srv.mu.Lock()
	batchLogCount := len(srv.batchLogs)
	srv.mu.Unlock()
	assert.Equal(t, 1, batchLogCount, "batch_complete entry must be logged synchronously")
}

func TestProcessInbox_DelayedCostReconciliation(t *testing.T) {
	docs := []domain.Document{
		{ID: 1, OriginalFilename: "a_roh.xml", FileExtension: ".xml", BoxType: domain.BoxEingang, ProcessingStatus: domain.StatusPending},
	}
	srv := newFakeServer(docs)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	httpClient := httpclient.New(ts.URL, ts.Client(), httpclient.DefaultRetryConfig())
	repo := archive.New(httpClient)
	engine := classifier.New(repo, nil, nil, nil, nil, nil)

	orc := New(repo, engine, fakeCredits{provider: "openrouter", value: 10}, nil, 2)
	orc.delayedCostWait = 10 * time.Millisecond

	_, err := orc.ProcessInbox(context.Background(), llm.Settings{}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.batchLogs) >= 2
	}, 2*time.Second, 10*time.Millisecond, "batch_cost_update should eventually be logged")
}
