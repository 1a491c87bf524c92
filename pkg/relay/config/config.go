// Package config loads the relay configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type RecorderBackend string

const (
	RecorderBackendDir   RecorderBackend = "dir"
	RecorderBackendRedis RecorderBackend = "redis"
)

type Config struct {
	Addr string

	// Deepgram live transcription.
	DeepgramAPIKey   string
	DeepgramModel    string
	DeepgramLanguage string
	AudioEncoding    string
	AudioSampleRate  int
	AudioChannels    int
	STTKeepAlive     time.Duration

	// ElevenLabs live synthesis.
	ElevenLabsAPIKey       string
	ElevenLabsVoiceID      string
	ElevenLabsModelID      string
	ElevenLabsOutputFormat string

	// OpenAI chat completions.
	OpenAIAPIKey string
	OpenAIModel  string
	SystemPrompt string

	// Session artifacts.
	RecorderBackend RecorderBackend
	RecorderDir     string
	RedisAddr       string
	RedisTTL        time.Duration

	// Session limits.
	WSWriteTimeout     time.Duration
	MaxSessionDuration time.Duration
	TurnFailurePolicy  string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                   ":" + envOr("PORT", "3000"),
		DeepgramAPIKey:         envOr("DEEPGRAM_API_KEY", ""),
		DeepgramModel:          envOr("DEEPGRAM_MODEL", "nova-3"),
		DeepgramLanguage:       envOr("DEEPGRAM_LANGUAGE", "en-US"),
		AudioEncoding:          envOr("AUDIO_ENCODING", "linear16"),
		AudioSampleRate:        envIntOr("AUDIO_SAMPLE_RATE", 16000),
		AudioChannels:          envIntOr("AUDIO_CHANNELS", 1),
		STTKeepAlive:           envDurationOr("STT_KEEPALIVE_INTERVAL", 5*time.Second),
		ElevenLabsAPIKey:       envOr("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:      envOr("ELEVENLABS_VOICE_ID", ""),
		ElevenLabsModelID:      envOr("ELEVENLABS_MODEL_ID", "eleven_flash_v2_5"),
		ElevenLabsOutputFormat: envOr("ELEVENLABS_OUTPUT_FORMAT", "pcm_16000"),
		OpenAIAPIKey:           envOr("OPENAI_API_KEY", ""),
		OpenAIModel:            envOr("OPENAI_MODEL", "gpt-4o-mini"),
		SystemPrompt:           strings.TrimSpace(os.Getenv("SYSTEM_PROMPT")),
		RecorderBackend:        RecorderBackend(envOr("RECORDER_BACKEND", string(RecorderBackendDir))),
		RecorderDir:            envOr("RECORDER_DIR", "./tmp"),
		RedisAddr:              envOr("REDIS_ADDR", "localhost:6379"),
		RedisTTL:               envDurationOr("REDIS_TTL", 7*24*time.Hour),
		WSWriteTimeout:         envDurationOr("WS_WRITE_TIMEOUT", 5*time.Second),
		MaxSessionDuration:     envDurationOr("MAX_SESSION_DURATION", 2*time.Hour),
		TurnFailurePolicy:      envOr("TURN_FAILURE_POLICY", "drop"),
		ReadHeaderTimeout:      envDurationOr("READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr("SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.DeepgramAPIKey == "" {
		return Config{}, fmt.Errorf("DEEPGRAM_API_KEY must be set")
	}
	if cfg.ElevenLabsAPIKey == "" {
		return Config{}, fmt.Errorf("ELEVENLABS_API_KEY must be set")
	}
	if cfg.ElevenLabsVoiceID == "" {
		return Config{}, fmt.Errorf("ELEVENLABS_VOICE_ID must be set")
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	switch cfg.RecorderBackend {
	case RecorderBackendDir, RecorderBackendRedis:
	default:
		return Config{}, fmt.Errorf("RECORDER_BACKEND must be one of dir|redis")
	}
	switch cfg.TurnFailurePolicy {
	case "drop", "deadletter":
	default:
		return Config{}, fmt.Errorf("TURN_FAILURE_POLICY must be one of drop|deadletter")
	}
	if cfg.AudioSampleRate <= 0 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be > 0")
	}
	if cfg.AudioChannels <= 0 {
		return Config{}, fmt.Errorf("AUDIO_CHANNELS must be > 0")
	}
	if cfg.STTKeepAlive <= 0 {
		return Config{}, fmt.Errorf("STT_KEEPALIVE_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionDuration < 0 {
		return Config{}, fmt.Errorf("MAX_SESSION_DURATION must be >= 0")
	}
	if cfg.RecorderBackend == RecorderBackendDir && strings.TrimSpace(cfg.RecorderDir) == "" {
		return Config{}, fmt.Errorf("RECORDER_DIR must not be empty")
	}
	if cfg.RecorderBackend == RecorderBackendRedis && strings.TrimSpace(cfg.RedisAddr) == "" {
		return Config{}, fmt.Errorf("REDIS_ADDR must not be empty")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
