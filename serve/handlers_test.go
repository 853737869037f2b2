package serve

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coppicelabs/relay"
	"github.com/coppicelabs/relay/llm"
	"github.com/coppicelabs/relay/toolproc"
)

// cannedProvider answers every request with the same text.
type cannedProvider struct {
	text string
}

func (p *cannedProvider) Generate(_ context.Context, _ []llm.Message, _ []llm.ToolSchema) (*llm.Response, error) {
	return &llm.Response{Content: p.text}, nil
}

func (p *cannedProvider) GenerateStream(_ context.Context, _ []llm.Message, _ []llm.ToolSchema) (<-chan llm.Event, error) {
	ch := make(chan llm.Event, 2)
	ch <- llm.Event{Type: llm.EventDelta, Delta: p.text}
	ch <- llm.Event{Type: llm.EventDone}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mgr := toolproc.NewManager(nil)
	orch := relay.NewOrchestrator(&cannedProvider{text: "hello back"}, mgr, relay.NewMemoryStore(),
		relay.WithHeartbeatInterval(time.Minute),
	)
	s := New(orch, mgr, Config{Addr: ":0"})
	s.startedAt = time.Now()
	return s
}

func testMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

func TestHealthz(t *testing.T) {
	mux := testMux(newTestServer(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitStreamsNDJSON(t *testing.T) {
	mux := testMux(newTestServer(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/threads/t1/messages",
		strings.NewReader(`{"message":"hello"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var events []relay.StreamEvent
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var ev relay.StreamEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, relay.EventConnectionAck, events[0].Event)
	assert.Equal(t, relay.EventTurnComplete, events[len(events)-1].Event)
}

func TestSubmitRejectsEmptyMessage(t *testing.T) {
	mux := testMux(newTestServer(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/threads/t1/messages",
		strings.NewReader(`{"message":""}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsBadJSON(t *testing.T) {
	mux := testMux(newTestServer(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/threads/t1/messages",
		strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThreadSnapshot(t *testing.T) {
	s := newTestServer(t)
	mux := testMux(s)

	// Run one turn first.
	req := httptest.NewRequest(http.MethodPost, "/v1/threads/t1/messages",
		strings.NewReader(`{"message":"hello"}`))
	mux.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/threads/t1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Thread relay.Thread `json:"thread"`
		State  string       `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "t1", body.Thread.ID)
	require.Len(t, body.Thread.Turns, 1)
	assert.Equal(t, relay.TurnCompleted, body.Thread.Turns[0].Status)
}

func TestCapabilitiesEmptyPool(t *testing.T) {
	mux := testMux(newTestServer(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/capabilities", nil))

	require.Equal(t, http.StatusOK, rec.Code)
}
