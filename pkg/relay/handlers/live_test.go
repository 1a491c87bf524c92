package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kynnyhsap/voicerelay/pkg/relay/config"
	"github.com/kynnyhsap/voicerelay/pkg/relay/recorder"
	"github.com/kynnyhsap/voicerelay/pkg/relay/session"
	"github.com/kynnyhsap/voicerelay/pkg/relay/sessions"
	"github.com/kynnyhsap/voicerelay/pkg/voice/stt"
	"github.com/kynnyhsap/voicerelay/pkg/voice/tts"
)

type stubSTT struct {
	mu     sync.Mutex
	sent   [][]byte
	events chan stt.Event
}

func newStubSTT() *stubSTT { return &stubSTT{events: make(chan stt.Event, 16)} }

func (s *stubSTT) IsOpen() bool { return true }

func (s *stubSTT) SendAudio(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), audio...))
	return nil
}

func (s *stubSTT) Events() <-chan stt.Event { return s.events }
func (s *stubSTT) Close() error             { return nil }

func (s *stubSTT) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubTTS struct {
	mu     sync.Mutex
	spoken []string
	chunks chan tts.Chunk
}

func newStubTTS() *stubTTS { return &stubTTS{chunks: make(chan tts.Chunk, 16)} }

func (s *stubTTS) IsOpen() bool { return true }

func (s *stubTTS) Speak(text string, flush bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	// Echo a fixed audio chunk so the client side has something to read.
	s.chunks <- tts.Chunk{Audio: []byte("AUDIO:" + text)}
	return nil
}

func (s *stubTTS) EndInput() error          { return nil }
func (s *stubTTS) Chunks() <-chan tts.Chunk { return s.chunks }
func (s *stubTTS) Close() error             { return nil }

type stubEngine struct{}

func (stubEngine) Reply(_ context.Context, prompt string, _ []session.Turn) (session.Reply, error) {
	return session.Reply{Content: "re: " + prompt}, nil
}

type stubRecorder struct {
	mu       sync.Mutex
	sessions []string
}

func (r *stubRecorder) Record(_ context.Context, sessionID string, _ []recorder.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
}

func (r *stubRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sessions...)
}

type liveFixture struct {
	srv      *httptest.Server
	sttLink  *stubSTT
	ttsLink  *stubTTS
	recorder *stubRecorder
	tracker  *sessions.Tracker
}

func newLiveFixture(t *testing.T) *liveFixture {
	t.Helper()
	f := &liveFixture{
		sttLink:  newStubSTT(),
		ttsLink:  newStubTTS(),
		recorder: &stubRecorder{},
		tracker:  sessions.NewTracker(),
	}
	h := LiveHandler{
		Config:   config.Config{WSWriteTimeout: time.Second},
		Logger:   slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError})),
		Engine:   stubEngine{},
		Recorder: f.recorder,
		Sessions: f.tracker,
		NewSTT:   func(context.Context, *slog.Logger) session.TranscriptionLink { return f.sttLink },
		NewTTS:   func(context.Context, *slog.Logger) session.SynthesisLink { return f.ttsLink },
	}
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestLiveRejectsNonGet(t *testing.T) {
	f := newLiveFixture(t)

	resp, err := http.Post(f.srv.URL, "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestLiveRelaysAudioBothWays(t *testing.T) {
	f := newLiveFixture(t)
	conn := dialWS(t, f.srv)
	defer conn.Close()

	// Client audio reaches the transcription link.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.sttLink.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("audio never reached transcription link")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A final transcript produces a reply, which comes back as binary audio.
	f.sttLink.events <- stt.Event{
		Raw:        []byte(`{"type":"Results","is_final":true}`),
		Type:       "Results",
		IsFinal:    true,
		Transcript: "hello",
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", msgType)
	}
	if string(data) != "AUDIO:re: hello" {
		t.Fatalf("audio = %q", data)
	}
}

func TestLiveTracksAndRecordsSessions(t *testing.T) {
	f := newLiveFixture(t)
	conn := dialWS(t, f.srv)

	deadline := time.Now().Add(2 * time.Second)
	for f.tracker.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for f.tracker.Count() != 0 || len(f.recorder.recorded()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("teardown incomplete: tracked=%d recorded=%d", f.tracker.Count(), len(f.recorder.recorded()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if id := f.recorder.recorded()[0]; id == "" {
		t.Fatal("recorded session has empty id")
	}
}

func TestHealthHandler(t *testing.T) {
	srv := httptest.NewServer(HealthHandler{})
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStatusHandlerCountsSessions(t *testing.T) {
	tracker := sessions.NewTracker()
	unregister := tracker.Register("s1", sessions.Handle{})
	defer unregister()

	srv := httptest.NewServer(StatusHandler{Sessions: tracker})
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		OK       bool `json:"ok"`
		Sessions int  `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if !body.OK || body.Sessions != 1 {
		t.Fatalf("body = %+v", body)
	}
}
