package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	LogLevel    string
	SentryDSN   string
	Environment string

	// Speech-to-text
	DeepgramAPIKey    string
	DeepgramModel     string
	Languages         []string // one transcript stream per language
	STTEndpointingMs  int
	STTUtteranceEndMs int
	STTSampleRate     int
	STTEncoding       string
	SilenceTimeout    time.Duration

	// Generation
	OpenAIAPIKey       string
	OpenAIModel        string
	OpenAITemperature  float64
	SystemPrompt       string // empty means the built-in bilingual prompt
	Debounce           time.Duration
	GenerationIdle     time.Duration
	GeneratedSpeaker   string
	LogDialogueOnReply bool

	// Dialogue persistence
	DialogueStore   string // file, postgres or redis
	DialogueFile    string
	DialogueSession string // empty generates a new session ID at startup
	DatabaseURL     string
	RedisURL        string

	// JWT Authentication
	JWTSecret string
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		SentryDSN:   getenv("SENTRY_DSN", ""),
		Environment: getenv("ENVIRONMENT", "development"),

		// Speech-to-text
		DeepgramAPIKey:    getenv("DEEPGRAM_API_KEY", ""),
		DeepgramModel:     getenv("DEEPGRAM_MODEL", "nova-3"),
		Languages:         parseList(getenv("LANGUAGES", "en,ru")),
		STTEndpointingMs:  getenvIntClamped("STT_ENDPOINTING_MS", 300, 10, 5000),
		STTUtteranceEndMs: getenvIntClamped("STT_UTTERANCE_END_MS", 1000, 1000, 5000),
		STTSampleRate:     getenvIntClamped("STT_SAMPLE_RATE", 16000, 8000, 48000),
		STTEncoding:       getenv("STT_ENCODING", "linear16"),
		SilenceTimeout:    time.Duration(getenvIntClamped("SILENCE_TIMEOUT_MS", 2000, 0, 60000)) * time.Millisecond,

		// Generation
		OpenAIAPIKey:       getenv("OPENAI_API_KEY", ""),
		OpenAIModel:        getenv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAITemperature:  getenvFloatClamped("OPENAI_TEMPERATURE", 0.5, 0.0, 2.0),
		SystemPrompt:       getenv("SYSTEM_PROMPT", ""),
		Debounce:           time.Duration(getenvIntClamped("DEBOUNCE_MS", 200, 0, 5000)) * time.Millisecond,
		GenerationIdle:     time.Duration(getenvIntClamped("GENERATION_IDLE_TIMEOUT_MS", 30000, 1000, 300000)) * time.Millisecond,
		GeneratedSpeaker:   getenv("GENERATED_SPEAKER", "GPT"),
		LogDialogueOnReply: getenvBool("LOG_DIALOGUE_ON_REPLY", true),

		// Dialogue persistence
		DialogueStore:   strings.ToLower(getenv("DIALOGUE_STORE", "file")),
		DialogueFile:    getenv("DIALOGUE_FILE", "dialogue_entries.json"),
		DialogueSession: getenv("DIALOGUE_SESSION", ""),
		DatabaseURL:     getenv("DATABASE_URL", ""),
		RedisURL:        getenv("REDIS_URL", ""),

		// JWT Authentication
		JWTSecret: os.Getenv("JWT_SECRET"),
	}
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var items []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(k), 64)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvBool(k string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return def
	}
	return v
}
