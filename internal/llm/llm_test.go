package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

const chatCompletionFixture = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1,
	"model": "gpt-4o-mini",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": %s}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 120, "completion_tokens": 40, "total_tokens": 160}
}`

func TestClassifySparteStage1_DecodesResult(t *testing.T) {
	payload := `{"sparte": "sach", "confidence": "high", "document_date_iso": "2026-01-15"}`
	encoded, err := json.Marshal(payload)
	require.NoError(t, err)

	srv := newTestServer(t, fmt.Sprintf(chatCompletionFixture, string(encoded)))
	defer srv.Close()

	c := New("test-key", srv.URL+"/v1", 2)
	result, err := c.ClassifySparteStage1(context.Background(), DefaultSettings(), "some document text")
	require.NoError(t, err)
	assert.Equal(t, SparteSach, result.Sparte)
	assert.Equal(t, ConfidenceHigh, result.Confidence)
	assert.Equal(t, "2026-01-15", result.DocumentDateISO)
	assert.Equal(t, 160, result.Usage.TotalTokens)
	assert.Equal(t, 0, c.QueueDepth())
}

func TestNeedsStage2_Triggers(t *testing.T) {
	settings := DefaultSettings()
	assert.True(t, NeedsStage2(settings, SparteResult{Sparte: SparteSach, Confidence: ConfidenceLow}))
	assert.True(t, NeedsStage2(settings, SparteResult{Sparte: SparteSonstige, Confidence: ConfidenceHigh}))
	assert.False(t, NeedsStage2(settings, SparteResult{Sparte: SparteSach, Confidence: ConfidenceHigh}))

	settings.Stage2Enabled = false
	assert.False(t, NeedsStage2(settings, SparteResult{Sparte: SparteSonstige, Confidence: ConfidenceLow}))
}

func TestDecodeSparteResult_DefaultsOnMissingFields(t *testing.T) {
	result, err := decodeSparteResult(`{}`)
	require.NoError(t, err)
	assert.Equal(t, SparteSonstige, result.Sparte)
	assert.Equal(t, ConfidenceLow, result.Confidence)
}

func TestClassifyCourtageMinimal(t *testing.T) {
	payload := `{"insurer": "Allianz", "document_date_iso": "2026-02-01"}`
	encoded, err := json.Marshal(payload)
	require.NoError(t, err)

	srv := newTestServer(t, fmt.Sprintf(chatCompletionFixture, string(encoded)))
	defer srv.Close()

	c := New("test-key", srv.URL+"/v1", 1)
	result, err := c.ClassifyCourtageMinimal(context.Background(), "", "courtage statement text")
	require.NoError(t, err)
	assert.Equal(t, "Allianz", result.Insurer)
	assert.Equal(t, "2026-02-01", result.DocumentDateISO)
}

func TestQueueDepth_BoundedBySemaphore(t *testing.T) {
	c := New("key", "http://example.invalid", 3)
	assert.Equal(t, 0, c.QueueDepth())
	require.NoError(t, c.acquire(context.Background()))
	require.NoError(t, c.acquire(context.Background()))
	assert.Equal(t, 2, c.QueueDepth())
	c.release()
	assert.Equal(t, 1, c.QueueDepth())
	c.release()
}

