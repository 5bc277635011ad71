package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/comigor/supportdesk/internal/agent"
	"github.com/comigor/supportdesk/internal/capability"
	"github.com/comigor/supportdesk/internal/config"
	"github.com/comigor/supportdesk/internal/history"
	"github.com/comigor/supportdesk/internal/llm"
	"github.com/comigor/supportdesk/internal/logger"
	"github.com/comigor/supportdesk/internal/speech"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type echoProvider struct{ err error }

func (p echoProvider) Generate(ctx context.Context, req llm.Request) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	last := req.Messages[len(req.Messages)-1]
	return "echo: " + last.Content, nil
}

type fakeSTT struct {
	text string
	err  error
}

func (f fakeSTT) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	return f.text, f.err
}

type fakeTTS struct {
	path string
	err  error
}

func (f fakeTTS) Synthesize(ctx context.Context, text string) (string, error) {
	return f.path, f.err
}

type fixture struct {
	srv   *httptest.Server
	agent *agent.Agent
}

func newFixture(t *testing.T, c llm.Capability, sp *speech.Service, requireModel bool) *fixture {
	t.Helper()
	cfg := config.Config{
		LLM:     config.LLMConfig{RequireModel: requireModel},
		History: config.HistoryConfig{SaveDir: t.TempDir()},
	}
	a := agent.New(history.NewMemoryStore(), c, cfg)
	srv := httptest.NewServer(New(a, sp, cfg).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, agent: a}
}

func mockMode() llm.Capability { return capability.Unavailable[llm.Provider]("forced mock mode") }

func modelMode() llm.Capability { return capability.Available[llm.Provider](echoProvider{}) }

func (f *fixture) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", r)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decode(t, resp.Body)
}

func decode(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	out := map[string]any{}
	raw, err := io.ReadAll(r)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return out
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	status, body := f.post(t, "/session/start", nil)
	require.Equal(t, http.StatusOK, status)
	sid, _ := body["session_id"].(string)
	require.NotEmpty(t, sid)
	return sid
}

// TestEndToEnd_MockModeIsRepeatable covers the start -> message flow twice on fresh sessions.
func TestEndToEnd_MockModeIsRepeatable(t *testing.T) {
	f := newFixture(t, mockMode(), nil, false)

	var replies []string
	for i := 0; i < 2; i++ {
		sid := f.start(t)
		status, body := f.post(t, "/session/"+sid+"/message", map[string]string{"text": "I need a refund"})
		require.Equal(t, http.StatusOK, status)
		reply, _ := body["reply"].(string)
		require.NotEmpty(t, reply)
		require.True(t, llm.IsMockResponse(reply))
		require.Equal(t, "fallback", body["source"])
		replies = append(replies, reply)
	}
	require.Equal(t, replies[0], replies[1])
}

func TestMessage_ModelReply(t *testing.T) {
	f := newFixture(t, modelMode(), nil, false)
	sid := f.start(t)

	status, body := f.post(t, "/session/"+sid+"/message", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "echo: hello", body["reply"])
	require.Equal(t, "model", body["source"])
}

func TestMessage_ProviderFailureIsMasked(t *testing.T) {
	f := newFixture(t, capability.Available[llm.Provider](echoProvider{err: errors.New("gpu on fire")}), nil, false)
	sid := f.start(t)

	status, body := f.post(t, "/session/"+sid+"/message", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusOK, status)
	require.True(t, llm.IsMockResponse(body["reply"].(string)))
	require.NotContains(t, body["reply"], "gpu on fire")
}

func TestMessage_BadRequests(t *testing.T) {
	f := newFixture(t, modelMode(), nil, false)
	sid := f.start(t)

	status, body := f.post(t, "/session/"+sid+"/message", map[string]string{})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "No text provided", body["detail"])

	status, _ = f.post(t, "/session/"+sid+"/message", map[string]string{"text": ""})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = f.post(t, "/session/"+sid+"/message", map[string]string{"text": "   "})
	require.Equal(t, http.StatusBadRequest, status)

	resp, err := http.Post(f.srv.URL+"/session/"+sid+"/message", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessage_UnknownSession(t *testing.T) {
	f := newFixture(t, modelMode(), nil, false)
	status, body := f.post(t, "/session/does-not-exist/message", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "Unknown session", body["detail"])
}

func TestRequireModel_Unavailable(t *testing.T) {
	f := newFixture(t, mockMode(), nil, true)

	status, body := f.post(t, "/session/start", nil)
	require.Equal(t, http.StatusInternalServerError, status)
	require.Contains(t, body["detail"], "LLM not available")

	status, _ = f.post(t, "/session/x/message", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusInternalServerError, status)
}

func TestRequireModel_Available(t *testing.T) {
	f := newFixture(t, modelMode(), nil, true)
	f.start(t)
}

func TestGetSession(t *testing.T) {
	f := newFixture(t, modelMode(), nil, false)
	sid := f.start(t)
	f.post(t, "/session/"+sid+"/message", map[string]string{"text": "hello"})

	resp, err := http.Get(f.srv.URL + "/session/" + sid)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp.Body)
	require.Equal(t, sid, body["session_id"])
	require.Equal(t, "active", body["state"])
	turns := body["turns"].([]any)
	require.Len(t, turns, 2)
	require.Equal(t, "user", turns[0].(map[string]any)["role"])

	resp, err = http.Get(f.srv.URL + "/session/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSave(t *testing.T) {
	f := newFixture(t, modelMode(), nil, false)
	sid := f.start(t)
	f.post(t, "/session/"+sid+"/message", map[string]string{"text": "hello"})

	status, body := f.post(t, "/session/"+sid+"/save", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, sid, body["session_id"])
	require.EqualValues(t, 2, body["turns"])
	_, err := os.Stat(body["path"].(string))
	require.NoError(t, err)

	status, _ = f.post(t, "/session/unknown/save", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, mockMode(), nil, false)
	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := decode(t, resp.Body)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "unavailable", body["model"])
	require.Equal(t, "forced mock mode", body["model_reason"])
	require.Equal(t, false, body["speech_to_text"])
}

func postAudio(t *testing.T, url string, field string, data []byte) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, "question.wav")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decode(t, resp.Body)
}

func TestAudio(t *testing.T) {
	sp := &speech.Service{
		STT: capability.Available[speech.Transcriber](fakeSTT{text: "where is my order"}),
		TTS: capability.Available[speech.Synthesizer](fakeTTS{path: "/tmp/reply.wav"}),
	}
	f := newFixture(t, modelMode(), sp, false)
	sid := f.start(t)

	status, body := postAudio(t, f.srv.URL+"/session/"+sid+"/audio", "file", []byte("RIFF"))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "where is my order", body["transcript"])
	require.Equal(t, "echo: where is my order", body["reply"])
	require.Equal(t, "/tmp/reply.wav", body["wav"])
}

func TestAudio_WithoutSynthesis(t *testing.T) {
	for name, tts := range map[string]speech.Service{
		"unavailable": {TTS: capability.Unavailable[speech.Synthesizer]("speech disabled")},
		"failing":     {TTS: capability.Available[speech.Synthesizer](fakeTTS{err: errors.New("quota")})},
	} {
		t.Run(name, func(t *testing.T) {
			sp := &speech.Service{STT: capability.Available[speech.Transcriber](fakeSTT{text: "hi"}), TTS: tts.TTS}
			f := newFixture(t, modelMode(), sp, false)
			sid := f.start(t)

			status, body := postAudio(t, f.srv.URL+"/session/"+sid+"/audio", "file", []byte("RIFF"))
			require.Equal(t, http.StatusOK, status)
			require.Equal(t, "echo: hi", body["reply"])
			_, hasWav := body["wav"]
			require.False(t, hasWav)
		})
	}
}

func TestAudio_Errors(t *testing.T) {
	f := newFixture(t, modelMode(), &speech.Service{STT: capability.Unavailable[speech.Transcriber]("speech disabled")}, false)
	sid := f.start(t)
	status, body := postAudio(t, f.srv.URL+"/session/"+sid+"/audio", "file", []byte("RIFF"))
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Contains(t, body["detail"], "speech disabled")

	sp := &speech.Service{STT: capability.Available[speech.Transcriber](fakeSTT{text: "hi"})}
	f = newFixture(t, modelMode(), sp, false)
	sid = f.start(t)

	status, _ = postAudio(t, f.srv.URL+"/session/unknown/audio", "file", []byte("RIFF"))
	require.Equal(t, http.StatusNotFound, status)

	status, _ = postAudio(t, f.srv.URL+"/session/"+sid+"/audio", "", nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = postAudio(t, f.srv.URL+"/session/"+sid+"/audio", "file", nil)
	require.Equal(t, http.StatusBadRequest, status)

	sp = &speech.Service{STT: capability.Available[speech.Transcriber](fakeSTT{err: errors.New("decoder")})}
	f = newFixture(t, modelMode(), sp, false)
	sid = f.start(t)
	status, _ = postAudio(t, f.srv.URL+"/session/"+sid+"/audio", "file", []byte("RIFF"))
	require.Equal(t, http.StatusBadGateway, status)
}

func wsURL(f *fixture, id string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/" + id
}

func TestWebSocket_Exchange(t *testing.T) {
	f := newFixture(t, modelMode(), nil, false)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f, "ws-session"), nil)
	require.NoError(t, err)
	defer conn.Close()

	for _, text := range []string{"hello", "my order is late"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, "echo: "+text, string(msg))
	}

	sess, err := f.agent.Session(context.Background(), "ws-session")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 4)
}

func TestWebSocket_AttachesToExistingSession(t *testing.T) {
	f := newFixture(t, modelMode(), nil, false)
	sid := f.start(t)
	f.post(t, "/session/"+sid+"/message", map[string]string{"text": "over http"})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f, sid), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("over ws")))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	sess, err := f.agent.Session(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 4)
}

func TestWebSocket_ClosesOnError(t *testing.T) {
	f := newFixture(t, modelMode(), nil, false)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f, "ws-err"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)
}

func TestWebSocket_RequireModel(t *testing.T) {
	f := newFixture(t, mockMode(), nil, true)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f, "x"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestMount(t *testing.T) {
	cfg := config.Config{}
	s := New(agent.New(history.NewMemoryStore(), mockMode(), cfg), nil, cfg)
	s.Mount("/mcp", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp/sse", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "/mcp/sse", rec.Body.String())
}

type countingSTT struct{ calls *atomic.Int32 }

func (c countingSTT) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	c.calls.Add(1)
	return "hi", nil
}

func newLimitedServer(t *testing.T, sp *speech.Service, maxAudio, maxFrame int64) (*httptest.Server, *agent.Agent) {
	t.Helper()
	cfg := config.Config{History: config.HistoryConfig{SaveDir: t.TempDir()}}
	a := agent.New(history.NewMemoryStore(), modelMode(), cfg)
	s := New(a, sp, cfg)
	s.maxAudio = maxAudio
	s.maxFrame = maxFrame
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, a
}

func TestAudio_TooLarge(t *testing.T) {
	var calls atomic.Int32
	sp := &speech.Service{STT: capability.Available[speech.Transcriber](countingSTT{calls: &calls})}
	srv, a := newLimitedServer(t, sp, 16, maxFrameBytes)
	require.NoError(t, a.StartSession(context.Background(), "s1"))

	status, body := postAudio(t, srv.URL+"/session/s1/audio", "file", bytes.Repeat([]byte("a"), 17))
	require.Equal(t, http.StatusRequestEntityTooLarge, status)
	require.Equal(t, "Audio file too large", body["detail"])
	require.Zero(t, calls.Load())

	status, _ = postAudio(t, srv.URL+"/session/s1/audio", "file", bytes.Repeat([]byte("a"), 16))
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1, calls.Load())
}

func TestWebSocket_OversizedFrameCloses(t *testing.T) {
	srv, _ := newLimitedServer(t, nil, maxAudioBytes, 32)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/big"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("x"), 64)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
}
