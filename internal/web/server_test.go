package web

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kineo-ai/kineo/internal/assistant"
	"github.com/kineo-ai/kineo/internal/health"
	"github.com/kineo-ai/kineo/internal/storage"
	"github.com/kineo-ai/kineo/internal/studio"
	"github.com/kineo-ai/kineo/internal/tools"
	"github.com/kineo-ai/kineo/pkg/audio"
	"github.com/kineo-ai/kineo/pkg/audio/capture"
	"github.com/kineo-ai/kineo/pkg/provider/live"
	livemock "github.com/kineo-ai/kineo/pkg/provider/live/mock"
)

// ── Fixture ─────────────────────────────────────────────────────────────────

type fixture struct {
	srv      *Server
	http     *httptest.Server
	provider *livemock.Provider
	studio   *studio.Studio
	store    *storage.MemoryStore
}

func newFixture(t *testing.T, key string) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	st, err := studio.New(context.Background(), store)
	if err != nil {
		t.Fatalf("studio.New: %v", err)
	}
	f := &fixture{provider: &livemock.Provider{}, studio: st, store: store}
	f.srv = New(f.provider, assistant.StaticCredential(key), tools.New(st),
		WithStudio(st),
		WithStore(store),
		WithHealth(health.New(health.Ping("storage", store))),
		WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		})),
	)
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		f.http.Close()
		f.srv.Wait()
	})
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/assistant"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, m clientMessage) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads messages until match accepts one. Binary frames are passed
// to match with a zero serverMessage and their payload.
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(serverMessage, []byte) bool) serverMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if typ == websocket.MessageBinary {
			if match(serverMessage{}, data) {
				return serverMessage{}
			}
			continue
		}
		var m serverMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if match(m, nil) {
			return m
		}
	}
}

func status(s assistant.Status) func(serverMessage, []byte) bool {
	return func(m serverMessage, _ []byte) bool { return m.Type == msgStatus && m.Status == string(s) }
}

func errorMessage(m serverMessage, _ []byte) bool { return m.Type == msgError }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func float32Frame(n int) []byte {
	b := make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(0.25))
	}
	return b
}

// ── Assistant bridge ────────────────────────────────────────────────────────

func TestAssistant_FullConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "secret")
	conn := f.dial(t)

	readUntil(t, conn, "initial view", func(m serverMessage, _ []byte) bool {
		return m.Type == msgView && m.Page == string(studio.PageHome)
	})
	readUntil(t, conn, "initial status", status(assistant.StatusIdle))

	send(t, conn, clientMessage{Type: msgActivate, Microphone: permissionGranted, SampleRate: 16000, Channels: 1})
	waitFor(t, "connect", func() bool { return f.provider.Last() != nil })
	sess := f.provider.Last()
	if got := f.provider.ConnectCalls[0].Cfg.APIKey; got != "secret" {
		t.Errorf("APIKey = %q", got)
	}
	sess.Emit(live.Event{Type: live.EventOpen})
	readUntil(t, conn, "listening", status(assistant.StatusListening))

	// Microphone audio reaches the live session as 16 kHz frames.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, float32Frame(capture.FrameSize)); err != nil {
		t.Fatalf("write mic frame: %v", err)
	}
	waitFor(t, "mic frame", func() bool { return len(sess.AudioFrames()) == 1 })

	// Model audio comes back as PCM16.
	sess.Emit(live.Event{Type: live.EventAudio, Audio: live.Media{Data: audio.EncodeBytes(make([]byte, 960))}})
	readUntil(t, conn, "playback audio", func(_ serverMessage, pcm []byte) bool { return len(pcm) == 960 })

	// A tool call moves the browser to the studio page.
	sess.Emit(live.Event{Type: live.EventToolCall, Calls: []live.FunctionCall{
		{ID: "c1", Name: tools.NameNavigateTo, Args: []byte(`{"page":"studio"}`)},
	}})
	readUntil(t, conn, "studio view", func(m serverMessage, _ []byte) bool {
		return m.Type == msgView && m.Page == string(studio.PageStudio)
	})
	waitFor(t, "tool result", func() bool { return len(sess.ToolResults()) == 1 })
	if got := sess.ToolResults()[0]; got.ID != "c1" || got.Result != "Navigating to studio." {
		t.Errorf("result = %+v", got)
	}

	send(t, conn, clientMessage{Type: msgDeactivate})
	readUntil(t, conn, "idle", status(assistant.StatusIdle))
	if !sess.Closed() {
		t.Error("live session not closed on deactivate")
	}
}

func TestAssistant_ActivationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		key        string
		microphone string
		want       string
	}{
		{"missing key", "", permissionGranted, textMissingKey},
		{"microphone denied", "secret", permissionDenied, textMicDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.key)
			conn := f.dial(t)

			send(t, conn, clientMessage{Type: msgActivate, Microphone: tt.microphone})
			m := readUntil(t, conn, "error", errorMessage)
			if m.Message != tt.want {
				t.Errorf("message = %q, want %q", m.Message, tt.want)
			}
			if f.provider.ConnectCount() != 0 {
				t.Error("connect attempted")
			}
		})
	}
}

func TestAssistant_InvalidInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "secret")
	conn := f.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatal(err)
	}
	if m := readUntil(t, conn, "error", errorMessage); !strings.Contains(m.Message, "dance") {
		t.Errorf("message = %q", m.Message)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if m := readUntil(t, conn, "error", errorMessage); !strings.Contains(m.Message, "multiple of 4") {
		t.Errorf("message = %q", m.Message)
	}
}

func TestAssistant_DisconnectTearsDownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "secret")
	conn := f.dial(t)

	send(t, conn, clientMessage{Type: msgActivate, Microphone: permissionGranted})
	waitFor(t, "connect", func() bool { return f.provider.Last() != nil })
	sess := f.provider.Last()
	sess.Emit(live.Event{Type: live.EventOpen})
	readUntil(t, conn, "listening", status(assistant.StatusListening))

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "session closed", sess.Closed)
}

// ── Studio API ──────────────────────────────────────────────────────────────

func TestAPI(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "secret")
	ctx := context.Background()
	if _, err := f.studio.CreateProject(ctx, tools.CreateProjectArgs{ClientName: "Acme", ProjectName: "Spring", Price: 100}); err != nil {
		t.Fatal(err)
	}
	id := f.studio.Projects()[0].ID

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{"GET", "/healthz", "", http.StatusOK},
		{"GET", "/readyz", "", http.StatusOK},
		{"GET", "/metrics", "", http.StatusOK},
		{"GET", "/api/view", "", http.StatusOK},
		{"GET", "/api/projects", "", http.StatusOK},
		{"POST", "/api/projects/" + id + "/toggle", "", http.StatusNoContent},
		{"POST", "/api/projects/nope/toggle", "", http.StatusNotFound},
		{"PUT", "/api/key", `{"apiKey":"  new-key  "}`, http.StatusNoContent},
		{"PUT", "/api/key", `{"apiKey":"   "}`, http.StatusBadRequest},
		{"PUT", "/api/key", `{"key":"x"}`, http.StatusBadRequest},
		{"DELETE", "/api/projects/" + id, "", http.StatusNoContent},
		{"DELETE", "/api/projects/" + id, "", http.StatusNotFound},
	}
	for _, tt := range tests {
		req, err := http.NewRequest(tt.method, f.http.URL+tt.path, strings.NewReader(tt.body))
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}

	key, ok, err := f.store.Get(ctx, storage.KeyAPIKey)
	if err != nil || !ok || key != "new-key" {
		t.Errorf("stored key = %q, %v, %v", key, ok, err)
	}
}

// ── Protocol ────────────────────────────────────────────────────────────────

func TestBridge_ClearDoesNotBlockOnFullOutbox(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := &bridge{ctx: ctx, cancel: cancel, outbox: make(chan frame, 2), log: slog.New(slog.DiscardHandler)}

	b.sendClear()
	b.sendAudio(make([]byte, 4), audio.Format{})

	done := make(chan struct{})
	go func() {
		b.sendClear()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sendClear blocked on a full outbox")
	}

	if first := <-b.outbox; !strings.Contains(string(first.data), `"clear"`) {
		t.Errorf("first frame = %s, want the clear message", first.data)
	}
	if second := <-b.outbox; second.typ != websocket.MessageBinary {
		t.Errorf("second frame type = %v, want binary audio", second.typ)
	}
	if len(b.outbox) != 0 {
		t.Error("dropped clear was queued anyway")
	}
}

func TestParseClientMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		wantErr bool
	}{
		{`{"type":"activate","microphone":"granted","sampleRate":48000,"channels":2}`, false},
		{`{"type":"activate","microphone":"denied"}`, false},
		{`{"type":"deactivate"}`, false},
		{`{"type":"activate"}`, true},
		{`{"type":"activate","microphone":"granted","sampleRate":-1}`, true},
		{`{"type":"reboot"}`, true},
		{`not json`, true},
	}
	for _, tt := range tests {
		_, err := parseClientMessage([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("parse(%s) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestDecodeFloat32LE(t *testing.T) {
	t.Parallel()
	got, err := decodeFloat32LE(float32Frame(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != 0.25 || got[2] != 0.25 {
		t.Errorf("samples = %v", got)
	}
	if _, err := decodeFloat32LE([]byte{0, 0}); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestBrowserMicrophone(t *testing.T) {
	t.Parallel()
	m := &browserMicrophone{}
	if _, err := m.Open(context.Background()); err == nil {
		t.Fatal("Open before permission granted should fail")
	}

	m.configure(true, 0, 0)
	s, err := m.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f := s.Format(); f.SampleRate != capture.SampleRate || f.Channels != 1 {
		t.Errorf("format = %+v", f)
	}
	if !m.push([]float32{1}) {
		t.Error("push to open stream failed")
	}
	if got := <-s.Samples(); len(got) != 1 {
		t.Errorf("samples = %v", got)
	}

	m.close()
	if m.push([]float32{1}) {
		t.Error("push after close succeeded")
	}
	if _, ok := <-s.Samples(); ok {
		t.Error("sample channel still open")
	}
}
