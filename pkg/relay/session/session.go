package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kynnyhsap/voicerelay/pkg/relay/pricing"
	"github.com/kynnyhsap/voicerelay/pkg/relay/recorder"
	"github.com/kynnyhsap/voicerelay/pkg/voice/stt"
	"github.com/kynnyhsap/voicerelay/pkg/voice/tts"
)

// Turn failure policies. Drop loses the turn with a log line; deadletter
// additionally collects it into a dropped-turns artifact.
const (
	PolicyDrop       = "drop"
	PolicyDeadletter = "deadletter"
)

const recordTimeout = 10 * time.Second

// ClientConn is the subset of *websocket.Conn the session needs, split out
// so tests can stand in a fake client.
type ClientConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Config struct {
	// WriteTimeout bounds each audio write back to the client.
	WriteTimeout time.Duration
	// MaxDuration ends the session when exceeded. Zero means unbounded.
	MaxDuration time.Duration
	// TurnFailurePolicy is PolicyDrop or PolicyDeadletter.
	TurnFailurePolicy string
}

type Dependencies struct {
	Conn     ClientConn
	Logger   *slog.Logger
	STT      TranscriptionLink
	TTS      SynthesisLink
	Engine   ConversationEngine
	Recorder ArtifactRecorder

	// Now overrides the clock, used by tests.
	Now func() time.Time
}

type clientFrame struct {
	messageType int
	data        []byte
	err         error
}

// Session owns one client connection and both provider links. All state
// below is touched only from the Run goroutine.
type Session struct {
	id     string
	cfg    Config
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time

	transcriptionLog []json.RawMessage
	turns            []Turn
	dropped          []DroppedTurn

	inputFrames  int
	inputBytes   int
	outputChunks int
	outputBytes  int
}

func New(id string, cfg Config, deps Dependencies) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    now,
		ctx:    ctx,
		cancel: cancel,
		// Empty, not nil, so empty sessions persist [] artifacts.
		transcriptionLog: make([]json.RawMessage, 0),
		turns:            make([]Turn, 0),
		startTime:        now(),
	}
}

// Cancel asks the session to end. Safe to call from any goroutine.
func (s *Session) Cancel() {
	s.cancel()
}

// Run drives the session until the client disconnects, a write to the client
// fails, the duration limit fires, or Cancel is called. It always tears down
// before returning.
func (s *Session) Run() error {
	defer s.cancel()

	frames := make(chan clientFrame, 64)
	go s.readLoop(frames)

	var deadline <-chan time.Time
	if s.cfg.MaxDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	events := s.deps.STT.Events()
	chunks := s.deps.TTS.Chunks()

	for {
		select {
		case <-s.ctx.Done():
			return s.teardown(nil)

		case <-deadline:
			s.logger.Info("session reached duration limit")
			return s.teardown(nil)

		case frame := <-frames:
			if frame.err != nil {
				if websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return s.teardown(nil)
				}
				return s.teardown(frame.err)
			}
			s.onClientAudio(frame.messageType, frame.data)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.onTranscription(ev)

		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if err := s.onSynthesizedAudio(chunk); err != nil {
				return s.teardown(err)
			}
		}
	}
}

func (s *Session) readLoop(frames chan<- clientFrame) {
	for {
		msgType, data, err := s.deps.Conn.ReadMessage()
		select {
		case frames <- clientFrame{messageType: msgType, data: data, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) onClientAudio(messageType int, data []byte) {
	if messageType != websocket.BinaryMessage {
		s.logger.Debug("ignoring non-binary client message", "type", messageType)
		return
	}
	s.inputFrames++
	s.inputBytes += len(data)

	if !s.deps.STT.IsOpen() {
		// Frames are dropped, never queued, while transcription is down.
		s.logger.Debug("dropping audio frame, transcription link not open")
		return
	}
	if err := s.deps.STT.SendAudio(data); err != nil {
		s.logger.Warn("failed to forward audio frame", "error", err)
	}
}

func (s *Session) onTranscription(ev stt.Event) {
	if len(ev.Raw) > 0 {
		s.transcriptionLog = append(s.transcriptionLog, ev.Raw)
	}

	if ev.Type != "Results" || !ev.IsFinal {
		return
	}
	transcript := strings.TrimSpace(ev.Transcript)
	if transcript == "" {
		return
	}

	if !s.deps.TTS.IsOpen() {
		s.dropTurn(transcript, "synthesis link not open")
		return
	}

	// Blocking here is deliberate: at most one turn is in flight, and audio
	// arriving meanwhile waits in the channel buffers.
	reply, err := s.deps.Engine.Reply(s.ctx, transcript, s.turns)
	if err != nil {
		s.dropTurn(transcript, fmt.Sprintf("conversation engine: %v", err))
		return
	}

	s.turns = append(s.turns, Turn{Prompt: transcript, Reply: reply})
	s.logger.Info("turn completed", "prompt_len", len(transcript), "reply_len", len(reply.Content), "turns", len(s.turns))

	if err := s.deps.TTS.Speak(reply.Content, true); err != nil {
		s.logger.Warn("failed to send reply for synthesis", "error", err)
	}
}

func (s *Session) dropTurn(transcript, reason string) {
	s.logger.Warn("turn dropped", "reason", reason, "transcript_len", len(transcript))
	if s.cfg.TurnFailurePolicy == PolicyDeadletter {
		s.dropped = append(s.dropped, DroppedTurn{
			Transcript: transcript,
			Reason:     reason,
			At:         s.now().UTC().Format(time.RFC3339),
		})
	}
}

func (s *Session) onSynthesizedAudio(chunk tts.Chunk) error {
	if len(chunk.Audio) == 0 {
		return nil
	}
	s.outputChunks++
	s.outputBytes += len(chunk.Audio)

	if s.cfg.WriteTimeout > 0 {
		_ = s.deps.Conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
	}
	if err := s.deps.Conn.WriteMessage(websocket.BinaryMessage, chunk.Audio); err != nil {
		return fmt.Errorf("failed to write audio to client: %w", err)
	}
	return nil
}

func (s *Session) teardown(cause error) error {
	// Captured up front so the recorded duration covers exactly the time the
	// session was live, regardless of how long persistence takes.
	endTime := s.now()
	duration := endTime.Sub(s.startTime)

	if err := s.deps.TTS.EndInput(); err != nil {
		s.logger.Debug("failed to write synthesis end-of-input", "error", err)
	}
	if err := s.deps.STT.Close(); err != nil {
		s.logger.Warn("failed to close transcription link", "error", err)
	}
	if err := s.deps.TTS.Close(); err != nil {
		s.logger.Warn("failed to close synthesis link", "error", err)
	}
	_ = s.deps.Conn.Close()

	exchanges := make([]pricing.Exchange, 0, len(s.turns))
	for _, turn := range s.turns {
		exchanges = append(exchanges, pricing.Exchange{Prompt: turn.Prompt, Reply: turn.Reply.Content})
	}
	cost := pricing.Summarize(duration, exchanges)

	artifacts := []recorder.Artifact{
		{Name: "transcription", Payload: s.transcriptionLog},
		{Name: "chat-history", Payload: s.turns},
		{Name: "metadata", Payload: s.metadata(endTime, duration)},
		{Name: "cost", Payload: cost},
	}
	if s.cfg.TurnFailurePolicy == PolicyDeadletter && len(s.dropped) > 0 {
		artifacts = append(artifacts, recorder.Artifact{Name: "dropped-turns", Payload: s.dropped})
	}

	recordCtx, cancelRecord := context.WithTimeout(context.Background(), recordTimeout)
	defer cancelRecord()
	s.deps.Recorder.Record(recordCtx, s.id, artifacts)

	if cause != nil {
		s.logger.Warn("session closed", "duration", duration, "turns", len(s.turns), "cost", cost.TotalPretty, "error", cause)
	} else {
		s.logger.Info("session closed", "duration", duration, "turns", len(s.turns), "cost", cost.TotalPretty)
	}
	return cause
}

type sessionMetadata struct {
	Duration       string `json:"duration"`
	DurationMS     int64  `json:"durationMs"`
	StartTimestamp int64  `json:"startTimestamp"`
	EndTimestamp   int64  `json:"endTimestamp"`
	StartDate      string `json:"startDate"`
	EndDate        string `json:"endDate"`
	InputFrames    int    `json:"inputFrames"`
	InputBytes     int    `json:"inputBytes"`
	OutputChunks   int    `json:"outputChunks"`
	OutputBytes    int    `json:"outputBytes"`
	Turns          int    `json:"turns"`
	DroppedTurns   int    `json:"droppedTurns"`
}

func (s *Session) metadata(endTime time.Time, duration time.Duration) sessionMetadata {
	return sessionMetadata{
		Duration:       duration.Round(time.Millisecond).String(),
		DurationMS:     duration.Milliseconds(),
		StartTimestamp: s.startTime.UnixMilli(),
		EndTimestamp:   endTime.UnixMilli(),
		StartDate:      s.startTime.UTC().Format(time.RFC3339),
		EndDate:        endTime.UTC().Format(time.RFC3339),
		InputFrames:    s.inputFrames,
		InputBytes:     s.inputBytes,
		OutputChunks:   s.outputChunks,
		OutputBytes:    s.outputBytes,
		Turns:          len(s.turns),
		DroppedTurns:   len(s.dropped),
	}
}
