// Package session runs the per-connection relay loop: client audio in,
// transcription, one LLM turn per final transcript, synthesized audio out.
package session

import (
	"context"

	"github.com/kynnyhsap/voicerelay/pkg/relay/recorder"
	"github.com/kynnyhsap/voicerelay/pkg/voice/stt"
	"github.com/kynnyhsap/voicerelay/pkg/voice/tts"
)

// Reply is the assistant side of one conversation turn.
type Reply struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// Turn is one completed prompt/reply exchange. Turns enter the history in
// completion order, before their reply is handed to synthesis.
type Turn struct {
	Prompt string `json:"prompt"`
	Reply  Reply  `json:"reply"`
}

// DroppedTurn records a final transcript that never became a turn. Only
// collected under the deadletter policy.
type DroppedTurn struct {
	Transcript string `json:"transcript"`
	Reason     string `json:"reason"`
	At         string `json:"at"`
}

// TranscriptionLink is the session's view of the speech-to-text connection.
type TranscriptionLink interface {
	IsOpen() bool
	SendAudio(audio []byte) error
	Events() <-chan stt.Event
	Close() error
}

// SynthesisLink is the session's view of the text-to-speech connection.
type SynthesisLink interface {
	IsOpen() bool
	Speak(text string, flush bool) error
	EndInput() error
	Chunks() <-chan tts.Chunk
	Close() error
}

// ConversationEngine produces one assistant reply given the prompt and the
// turns completed so far.
type ConversationEngine interface {
	Reply(ctx context.Context, prompt string, history []Turn) (Reply, error)
}

// ArtifactRecorder persists the session's artifacts at teardown.
type ArtifactRecorder interface {
	Record(ctx context.Context, sessionID string, artifacts []recorder.Artifact)
}
