// Package server wires the relay's handlers, provider clients, and artifact
// store into one http.Handler.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/kynnyhsap/voicerelay/pkg/llm/openai"
	"github.com/kynnyhsap/voicerelay/pkg/relay/config"
	"github.com/kynnyhsap/voicerelay/pkg/relay/handlers"
	"github.com/kynnyhsap/voicerelay/pkg/relay/mw"
	"github.com/kynnyhsap/voicerelay/pkg/relay/recorder"
	"github.com/kynnyhsap/voicerelay/pkg/relay/sessions"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	engine   *openai.Engine
	recorder *recorder.Recorder
	tracker  *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		engine: openai.NewEngine(openai.Config{
			APIKey:       cfg.OpenAIAPIKey,
			Model:        cfg.OpenAIModel,
			SystemPrompt: cfg.SystemPrompt,
		}),
		recorder: recorder.New(newStore(cfg), logger),
		tracker:  sessions.NewTracker(),
	}

	s.routes()
	return s
}

func newStore(cfg config.Config) recorder.Store {
	if cfg.RecorderBackend == config.RecorderBackendRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return recorder.NewRedisStore(client, cfg.RedisTTL)
	}
	return recorder.NewDirStore(cfg.RecorderDir)
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/statusz", handlers.StatusHandler{Sessions: s.tracker})

	s.mux.Handle("/", handlers.LiveHandler{
		Config:   s.cfg,
		Logger:   s.logger,
		Engine:   s.engine,
		Recorder: s.recorder,
		Sessions: s.tracker,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	return h
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	return s.tracker.Count()
}

// CancelLiveSessions asks every live session to end.
func (s *Server) CancelLiveSessions() int {
	return s.tracker.CancelAll()
}

// WaitLiveSessions blocks until live sessions drain or ctx ends.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// Close releases the artifact store.
func (s *Server) Close() error {
	return s.recorder.Close()
}
