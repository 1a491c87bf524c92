// Package pricing estimates the provider cost of one relay session.
//
// The rates are fixed approximations of published list prices; the point is
// a stable, deterministic estimate per session, not a billing system.
package pricing

import (
	"fmt"
	"time"
)

const (
	transcriptionPerMinuteUSD = 0.0059
	llmInputPer1KTokensUSD    = 0.00015
	llmOutputPer1KTokensUSD   = 0.0006
	ttsPerCharacterUSD        = 0.00003
)

// Exchange is one prompt/reply pair priced against the LLM and TTS rates.
type Exchange struct {
	Prompt string
	Reply  string
}

// Summary is the persisted cost breakdown. All amounts are USD.
type Summary struct {
	Transcription float64 `json:"transcription"`
	LLM           float64 `json:"llm"`
	TTS           float64 `json:"tts"`
	Total         float64 `json:"total"`
	TotalPretty   string  `json:"totalPretty"`
}

// TranscriptionCost prices streaming transcription by connection duration.
func TranscriptionCost(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Minutes() * transcriptionPerMinuteUSD
}

// LLMCost prices one completion using a rough 4-characters-per-token
// estimate. Exact token counts are not available from the streaming path.
func LLMCost(prompt, reply string) float64 {
	inputTokens := float64(len(prompt)) / 4
	outputTokens := float64(len(reply)) / 4
	return inputTokens/1000*llmInputPer1KTokensUSD + outputTokens/1000*llmOutputPer1KTokensUSD
}

// TTSCost prices synthesis per character of reply text.
func TTSCost(reply string) float64 {
	return float64(len(reply)) * ttsPerCharacterUSD
}

// Summarize prices a whole session: transcription by duration, LLM and TTS
// per exchange.
func Summarize(d time.Duration, exchanges []Exchange) Summary {
	s := Summary{Transcription: TranscriptionCost(d)}
	for _, ex := range exchanges {
		s.LLM += LLMCost(ex.Prompt, ex.Reply)
		s.TTS += TTSCost(ex.Reply)
	}
	s.Total = s.Transcription + s.LLM + s.TTS
	s.TotalPretty = fmt.Sprintf("$%.3f", s.Total)
	return s
}
