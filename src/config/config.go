// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Language string

	OpenAIAPIKey     string
	GeminiAPIKey     string
	DeepgramAPIKey   string
	ElevenLabsAPIKey string

	LLMProvider     string // "openai" | "gemini"
	LLMModel        string
	SummarizerModel string

	ClinicAPIBaseURL string
	ClinicAPIKey     string

	DatabaseURL string

	// AudioCodec is what the WebSocket peer sends: "linear16" (16kHz) or a
	// telephony codec, "mulaw" / "alaw" (8kHz).
	AudioCodec string

	// InterruptMinWords is how many transcribed words spoken over the bot
	// count as a barge-in.
	InterruptMinWords int

	IdleTimeout            time.Duration // zero disables the idle timer
	ContextStrategyDefault string
	MaxToolCallsPerTurn    int
	RespondTimeout         time.Duration
}

func Load() Config {
	return Config{
		Port:     envInt("PORT", 8080),
		LogLevel: envStr("LOG_LEVEL", "info"),
		Language: envStr("LANGUAGE", "Italian"),

		OpenAIAPIKey:     envStr("OPENAI_API_KEY", ""),
		GeminiAPIKey:     envStr("GEMINI_API_KEY", ""),
		DeepgramAPIKey:   envStr("DEEPGRAM_API_KEY", ""),
		ElevenLabsAPIKey: envStr("ELEVENLABS_API_KEY", ""),

		LLMProvider:     envStr("LLM_PROVIDER", "openai"),
		LLMModel:        envStr("LLM_MODEL", ""),
		SummarizerModel: envStr("SUMMARIZER_MODEL", ""),

		ClinicAPIBaseURL: envStr("CLINIC_API_BASE_URL", ""),
		ClinicAPIKey:     envStr("CLINIC_API_KEY", ""),

		DatabaseURL: envStr("DATABASE_URL", ""),

		AudioCodec:        envStr("AUDIO_CODEC", "linear16"),
		InterruptMinWords: envInt("INTERRUPT_MIN_WORDS", 2),

		IdleTimeout:            time.Duration(envInt("IDLE_TIMEOUT_SECONDS", 45)) * time.Second,
		ContextStrategyDefault: envStr("CONTEXT_STRATEGY_DEFAULT", "append"),
		MaxToolCallsPerTurn:    envInt("MAX_TOOL_CALLS_PER_TURN", 8),
		RespondTimeout:         time.Duration(envInt("RESPOND_IMMEDIATELY_TIMEOUT", 30)) * time.Second,
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
