// Package stt manages the live transcription connection for one relay session.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
)

const defaultDeepgramWSBase = "wss://api.deepgram.com/v1/listen"

// Config holds the per-session parameters for a Deepgram live-listen connection.
type Config struct {
	APIKey     string
	Model      string
	Language   string
	Encoding   string
	SampleRate int
	Channels   int

	// BaseWSURL overrides the Deepgram endpoint, used by tests.
	BaseWSURL string

	// KeepAliveInterval controls how often a KeepAlive message is written
	// while the connection is open. Zero means the default (5s).
	KeepAliveInterval time.Duration
}

// Event is one inbound provider message. Raw always carries the full message
// for the session's audit log; the parsed fields are populated only for
// messages Deepgram tags as Results.
type Event struct {
	Raw json.RawMessage

	Type        string
	IsFinal     bool
	SpeechFinal bool
	Transcript  string
}

// Link is one outbound streaming connection to Deepgram. The connection is
// dialed asynchronously: the link exists immediately, IsOpen flips once the
// websocket handshake completes, and audio sent before that is the caller's
// to drop.
type Link struct {
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	open      atomic.Bool
	events    chan Event
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Dial starts connecting to Deepgram and returns the link immediately.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &Link{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 64),
		cancel: cancel,
	}
	go l.run(ctx)
	return l
}

func (l *Link) run(ctx context.Context) {
	defer close(l.events)

	wsURL, err := buildListenURL(l.cfg)
	if err != nil {
		l.logger.Error("invalid deepgram url", "error", err)
		return
	}

	header := http.Header{"Authorization": {"Token " + l.cfg.APIKey}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		l.logger.Error("failed to open deepgram connection", "error", err)
		return
	}

	l.writeMu.Lock()
	l.conn = conn
	l.writeMu.Unlock()
	l.open.Store(true)
	defer l.open.Store(false)

	keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	go l.keepAliveLoop(keepAliveCtx)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Warn("deepgram read ended", "error", err)
			}
			l.open.Store(false)
			_ = conn.Close()
			return
		}
		if msgType == websocket.BinaryMessage {
			continue
		}

		select {
		case l.events <- parseEvent(msg):
		case <-ctx.Done():
			return
		}
	}
}

func parseEvent(msg []byte) Event {
	ev := Event{Raw: append(json.RawMessage(nil), msg...)}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return ev
	}
	ev.Type = head.Type

	if api.TypeResponse(head.Type) != api.TypeMessageResponse {
		return ev
	}

	var result api.MessageResponse
	if err := json.Unmarshal(msg, &result); err != nil {
		return ev
	}
	ev.IsFinal = result.IsFinal
	ev.SpeechFinal = result.SpeechFinal
	if len(result.Channel.Alternatives) > 0 {
		ev.Transcript = strings.TrimSpace(result.Channel.Alternatives[0].Transcript)
	}
	return ev
}

func buildListenURL(cfg Config) (string, error) {
	base := strings.TrimSpace(cfg.BaseWSURL)
	if base == "" {
		base = defaultDeepgramWSBase
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram ws base url: %w", err)
	}

	q := u.Query()
	model := cfg.Model
	if model == "" {
		model = "nova-3"
	}
	q.Set("model", model)
	language := cfg.Language
	if language == "" {
		language = "en-US"
	}
	q.Set("language", language)
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	q.Set("encoding", encoding)
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}
	q.Set("channels", strconv.Itoa(channels))
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", "300")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (l *Link) keepAliveLoop(ctx context.Context) {
	interval := l.cfg.KeepAliveInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.IsOpen() {
				return
			}
			if err := l.writeJSON(struct {
				Type string `json:"type"`
			}{Type: "KeepAlive"}); err != nil {
				l.logger.Warn("failed to write deepgram keepalive", "error", err)
			}
		}
	}
}

func (l *Link) writeJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("transcription link is not open")
	}
	return l.conn.WriteJSON(v)
}

// IsOpen reports whether the underlying connection is ready for audio.
func (l *Link) IsOpen() bool {
	return l.open.Load()
}

// SendAudio forwards one raw audio frame. Callers are expected to check
// IsOpen first; frames sent to a link that is not open are not queued.
func (l *Link) SendAudio(audio []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.conn == nil || !l.open.Load() {
		return fmt.Errorf("transcription link is not open")
	}
	if err := l.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write audio to deepgram: %w", err)
	}
	return nil
}

// Events returns the stream of inbound provider messages. The channel is
// closed when the connection ends for any reason.
func (l *Link) Events() <-chan Event {
	return l.events
}

// Close tears the connection down. Closing an already-closed or never-opened
// link is a no-op.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.open.Store(false)

		l.writeMu.Lock()
		conn := l.conn
		if conn != nil {
			// Ask Deepgram to flush its buffer before we drop the socket.
			if err := conn.WriteJSON(struct {
				Type string `json:"type"`
			}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
				l.logger.Debug("failed to write deepgram close stream", "error", err)
			}
			_ = conn.Close()
		}
		l.writeMu.Unlock()

		l.cancel()
	})
	return nil
}
