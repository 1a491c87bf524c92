// Package handlers holds the relay's HTTP handlers.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kynnyhsap/voicerelay/pkg/relay/config"
	"github.com/kynnyhsap/voicerelay/pkg/relay/session"
	"github.com/kynnyhsap/voicerelay/pkg/relay/sessions"
	"github.com/kynnyhsap/voicerelay/pkg/voice/stt"
	"github.com/kynnyhsap/voicerelay/pkg/voice/tts"
)

type STTFactory func(ctx context.Context, logger *slog.Logger) session.TranscriptionLink

type TTSFactory func(ctx context.Context, logger *slog.Logger) session.SynthesisLink

// LiveHandler upgrades a client connection and runs one relay session on it.
type LiveHandler struct {
	Config   config.Config
	Logger   *slog.Logger
	Engine   session.ConversationEngine
	Recorder session.ArtifactRecorder
	Sessions *sessions.Tracker

	// Factories replace the real provider links in tests.
	NewSTT STTFactory
	NewTTS TTSFactory
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := h.logger().With("session_id", sessionID)
	logger.Info("session started", "remote_addr", r.RemoteAddr)

	ctx, cancelLinks := context.WithCancel(context.Background())
	defer cancelLinks()

	sttLink := h.newSTT(ctx, logger)
	ttsLink := h.newTTS(ctx, logger)

	s := session.New(sessionID, session.Config{
		WriteTimeout:      h.Config.WSWriteTimeout,
		MaxDuration:       h.Config.MaxSessionDuration,
		TurnFailurePolicy: h.Config.TurnFailurePolicy,
	}, session.Dependencies{
		Conn:     conn,
		Logger:   logger,
		STT:      sttLink,
		TTS:      ttsLink,
		Engine:   h.Engine,
		Recorder: h.Recorder,
	})

	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register(sessionID, sessions.Handle{Cancel: s.Cancel})
	}
	defer unregister()

	if err := s.Run(); err != nil {
		logger.Warn("session ended with error", "error", err)
	}
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h LiveHandler) newSTT(ctx context.Context, logger *slog.Logger) session.TranscriptionLink {
	if h.NewSTT != nil {
		return h.NewSTT(ctx, logger)
	}
	return stt.Dial(ctx, stt.Config{
		APIKey:            h.Config.DeepgramAPIKey,
		Model:             h.Config.DeepgramModel,
		Language:          h.Config.DeepgramLanguage,
		Encoding:          h.Config.AudioEncoding,
		SampleRate:        h.Config.AudioSampleRate,
		Channels:          h.Config.AudioChannels,
		KeepAliveInterval: h.Config.STTKeepAlive,
	}, logger)
}

func (h LiveHandler) newTTS(ctx context.Context, logger *slog.Logger) session.SynthesisLink {
	if h.NewTTS != nil {
		return h.NewTTS(ctx, logger)
	}
	return tts.Dial(ctx, tts.Config{
		APIKey:       h.Config.ElevenLabsAPIKey,
		VoiceID:      h.Config.ElevenLabsVoiceID,
		ModelID:      h.Config.ElevenLabsModelID,
		OutputFormat: h.Config.ElevenLabsOutputFormat,
	}, logger)
}
