// Package recorder persists per-session artifacts at teardown.
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Artifact is one named JSON document to persist for a session.
type Artifact struct {
	Name    string
	Payload any
}

// Store writes one serialized artifact to a backend.
type Store interface {
	Save(ctx context.Context, sessionID, name string, payload []byte) error
	Close() error
}

// Recorder serializes artifacts and hands them to a store. Failures are
// logged and skipped so one bad artifact never blocks the rest.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record persists each artifact in order.
func (r *Recorder) Record(ctx context.Context, sessionID string, artifacts []Artifact) {
	for _, a := range artifacts {
		data, err := json.MarshalIndent(a.Payload, "", "  ")
		if err != nil {
			r.logger.Error("failed to serialize artifact", "session_id", sessionID, "artifact", a.Name, "error", err)
			continue
		}
		if err := r.store.Save(ctx, sessionID, a.Name, data); err != nil {
			r.logger.Error("failed to save artifact", "session_id", sessionID, "artifact", a.Name, "error", err)
			continue
		}
		r.logger.Info("saved artifact", "session_id", sessionID, "artifact", a.Name, "bytes", len(data))
	}
}

// Close releases the underlying store.
func (r *Recorder) Close() error {
	return r.store.Close()
}
