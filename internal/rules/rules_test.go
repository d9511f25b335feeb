package rules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/archive"
	"atlas/internal/domain"
	"atlas/pkg/config"
	"atlas/pkg/httpclient"
)

type fakeServer struct {
	mu        sync.Mutex
	doc       domain.Document
	deletedID []int64
	colorReqs []struct {
		IDs   []int64
		Color string
	}
}

func (s *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/documents/1", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r.Method == http.MethodGet {
			writeEnvelope(w, s.doc)
			return
		}
		writeEnvelope(w, s.doc)
	})
	mux.HandleFunc("/documents/delete", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var body struct {
			IDs []int64 `json:"ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.deletedID = append(s.deletedID, body.IDs...)
		writeEnvelope(w, map[string]any{"success_count": len(body.IDs)})
	})
	mux.HandleFunc("/documents/colors", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var body struct {
			IDs   []int64 `json:"ids"`
			Color string  `json:"color"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.colorReqs = append(s.colorReqs, struct {
			IDs   []int64
			Color string
		}{body.IDs, body.Color})
		writeEnvelope(w, map[string]any{"success_count": len(body.IDs)})
	})
	return mux
}

func writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func newTestEngine(t *testing.T, doc domain.Document, cfg config.RulesConfig) (*Engine, *fakeServer) {
	t.Helper()
	srv := &fakeServer{doc: doc}
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	httpClient := httpclient.New(ts.URL, ts.Client(), httpclient.DefaultRetryConfig())
	repo := archive.New(httpClient)
	return New(repo, cfg), srv
}

func TestApply_NoRulesConfigured_NoOp(t *testing.T) {
	doc := domain.Document{ID: 1, EmptyPageCount: 2, TotalPageCount: 2}
	engine, srv := newTestEngine(t, doc, config.RulesConfig{})

	err := engine.Apply(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, srv.deletedID)
}

func TestApply_FullEmptyDelete(t *testing.T) {
	doc := domain.Document{ID: 1, EmptyPageCount: 3, TotalPageCount: 3}
	engine, srv := newTestEngine(t, doc, config.RulesConfig{FullEmptyAction: "delete"})

	err := engine.Apply(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, srv.deletedID)
}

func TestApply_FullEmptyColor(t *testing.T) {
	doc := domain.Document{ID: 1, EmptyPageCount: 3, TotalPageCount: 3}
	engine, srv := newTestEngine(t, doc, config.RulesConfig{FullEmptyAction: "color_file", FullEmptyColor: "red"})

	err := engine.Apply(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, srv.colorReqs, 1)
	assert.Equal(t, []int64{1}, srv.colorReqs[0].IDs)
	assert.Equal(t, "red", srv.colorReqs[0].Color)
}

func TestApply_FileDuplicate_ColorBoth(t *testing.T) {
	prev := int64(7)
	doc := domain.Document{ID: 1, Version: 2, PreviousVersionID: &prev}
	engine, srv := newTestEngine(t, doc, config.RulesConfig{FileDupAction: "color_both", FileDupColor: "blue"})

	err := engine.Apply(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, srv.colorReqs, 1)
	assert.ElementsMatch(t, []int64{1, 7}, srv.colorReqs[0].IDs)
}

func TestApply_ContentDuplicate_DeleteNew(t *testing.T) {
	doc := domain.Document{ID: 1, ContentDupOfIDs: []int64{42}}
	engine, srv := newTestEngine(t, doc, config.RulesConfig{ContentDupAction: "delete_new"})

	err := engine.Apply(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, srv.deletedID)
}

func TestApply_ContentDuplicate_DeleteOld(t *testing.T) {
	doc := domain.Document{ID: 1, ContentDupOfIDs: []int64{42}}
	engine, srv := newTestEngine(t, doc, config.RulesConfig{ContentDupAction: "delete_old"})

	err := engine.Apply(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, srv.deletedID)
}
