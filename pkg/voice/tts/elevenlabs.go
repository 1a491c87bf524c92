// Package tts manages the live speech-synthesis connection for one relay session.
package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

const defaultElevenLabsWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"

// Config holds the per-session parameters for an ElevenLabs stream-input
// connection. The API key travels in the handshake message, not a header.
type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string

	// BaseWSURL overrides the ElevenLabs endpoint, used by tests.
	BaseWSURL string
}

// Chunk is one piece of synthesized audio. Final marks the provider's
// end-of-generation message, which may arrive with no audio attached.
type Chunk struct {
	Audio []byte
	Final bool
}

// Link is one outbound stream-input connection to ElevenLabs. Dialing is
// asynchronous; IsOpen flips once the websocket handshake completes and the
// begin-stream message has been written.
type Link struct {
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	open      atomic.Bool
	chunks    chan Chunk
	closeOnce sync.Once
	endOnce   sync.Once
	cancel    context.CancelFunc
}

// Dial starts connecting to ElevenLabs and returns the link immediately.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &Link{
		cfg:    cfg,
		logger: logger,
		chunks: make(chan Chunk, 256),
		cancel: cancel,
	}
	go l.run(ctx)
	return l
}

func (l *Link) run(ctx context.Context) {
	defer close(l.chunks)

	wsURL, err := buildStreamInputURL(l.cfg)
	if err != nil {
		l.logger.Error("invalid elevenlabs url", "error", err)
		return
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		l.logger.Error("failed to open elevenlabs connection", "error", err)
		return
	}

	l.writeMu.Lock()
	l.conn = conn
	// Begin-stream message, once per connection. It carries the credential
	// and primes the voice before the first speak.
	err = conn.WriteJSON(map[string]any{
		"text":       " ",
		"xi_api_key": l.cfg.APIKey,
	})
	l.writeMu.Unlock()
	if err != nil {
		l.logger.Error("failed to write elevenlabs handshake", "error", err)
		_ = conn.Close()
		return
	}

	l.open.Store(true)
	defer l.open.Store(false)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return
			}
			l.logger.Warn("elevenlabs read ended", "error", err)
			return
		}

		var msg struct {
			Audio   string `json:"audio"`
			IsFinal *bool  `json:"isFinal"`
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			l.logger.Warn("elevenlabs reported error", "error", msg.Error, "message", msg.Message)
		}

		var audio []byte
		if msg.Audio != "" {
			audio, err = decodeBase64Any(msg.Audio)
			if err != nil {
				l.logger.Warn("elevenlabs sent invalid audio base64")
				audio = nil
			}
		}
		final := msg.IsFinal != nil && *msg.IsFinal
		if len(audio) == 0 && !final {
			continue
		}

		select {
		case l.chunks <- Chunk{Audio: audio, Final: final}:
		case <-ctx.Done():
			return
		}
	}
}

// IsOpen reports whether the connection is ready for speak messages.
func (l *Link) IsOpen() bool {
	return l.open.Load()
}

// Speak sends one piece of reply text for synthesis. A trailing space is
// appended when missing so the provider treats the text as a complete
// utterance; flush asks it to generate immediately instead of buffering.
func (l *Link) Speak(text string, flush bool) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	msg := map[string]any{"text": text}
	if flush {
		msg["flush"] = true
		msg["try_trigger_generation"] = true
	}
	return l.writeJSON(msg)
}

// EndInput writes the end-of-input message. Only the first call writes;
// later calls are no-ops.
func (l *Link) EndInput() error {
	var err error
	l.endOnce.Do(func() {
		err = l.writeJSON(map[string]any{"text": ""})
	})
	return err
}

// Chunks returns the stream of synthesized audio. The channel is closed when
// the connection ends for any reason.
func (l *Link) Chunks() <-chan Chunk {
	return l.chunks
}

// Close tears the connection down. Closing an already-closed or never-opened
// link is a no-op.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.open.Store(false)

		l.writeMu.Lock()
		if l.conn != nil {
			_ = l.conn.Close()
		}
		l.writeMu.Unlock()

		l.cancel()
	})
	return nil
}

func (l *Link) writeJSON(payload any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.conn == nil || !l.open.Load() {
		return fmt.Errorf("synthesis link is not open")
	}
	if err := l.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("failed to write to elevenlabs: %w", err)
	}
	return nil
}

func buildStreamInputURL(cfg Config) (string, error) {
	voiceID := strings.TrimSpace(cfg.VoiceID)
	if voiceID == "" {
		return "", fmt.Errorf("elevenlabs voice id is required")
	}
	base := strings.TrimSpace(cfg.BaseWSURL)
	if base == "" {
		base = defaultElevenLabsWSBase
	}
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws base url: %w", err)
	}

	q := u.Query()
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = "eleven_flash_v2_5"
	}
	q.Set("model_id", modelID)
	outputFormat := cfg.OutputFormat
	if outputFormat == "" {
		outputFormat = "pcm_16000"
	}
	q.Set("output_format", outputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decodeBase64Any(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	// ElevenLabs typically uses standard base64 but may omit padding.
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid base64")
}
