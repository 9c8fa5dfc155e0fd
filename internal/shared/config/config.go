package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port            string
	CORSAllowOrigin []string
	Env             string
	DatabaseURL     string

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string
	SQSQueueURL     string

	LLMProvider    string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	VertexProject  string
	VertexLocation string
	ProModel       string
	FlashModel     string

	TokenThreshold  int
	ChunkTokens     int
	MapConcurrency  int
	MaxContentBytes int64
	MaxOutputTokens int
	ResultMaxAge    time.Duration

	QuotaMaxAttempts     int
	QuotaMaxElapsed      time.Duration
	TransientMaxAttempts int
	TransientMaxElapsed  time.Duration
	ValidationAttempts   int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		Env:             env,
		DatabaseURL:     dbURL,

		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:     getEnv("S3_SSE_KMS_KEY_ID", ""),
		SQSQueueURL:     getEnv("SQS_QUEUE_URL", ""),

		LLMProvider:    getEnv("LLM_PROVIDER", "openai"),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", ""),
		VertexProject:  getEnv("VERTEX_PROJECT_ID", ""),
		VertexLocation: getEnv("VERTEX_LOCATION", "us-central1"),
		ProModel:       getEnv("LLM_PRO_MODEL", ""),
		FlashModel:     getEnv("LLM_FLASH_MODEL", ""),

		TokenThreshold:  getEnvInt("TOKEN_THRESHOLD", 500_000),
		// Zero lets the per-chunk budget follow the routing threshold; a
		// smaller value overrides it downward.
		ChunkTokens:     getEnvInt("CHUNK_TOKENS", 0),
		MapConcurrency:  getEnvInt("MAP_CONCURRENCY", 4),
		MaxContentBytes: int64(getEnvInt("MAX_CONTENT_BYTES", 10*1024*1024)),
		MaxOutputTokens: getEnvInt("MAX_OUTPUT_TOKENS", 0),
		ResultMaxAge:    getEnvDuration("RESULT_MAX_AGE", 0),

		QuotaMaxAttempts:     getEnvInt("RETRY_QUOTA_MAX_ATTEMPTS", 5),
		QuotaMaxElapsed:      getEnvDuration("RETRY_QUOTA_MAX_ELAPSED", 5*time.Minute),
		TransientMaxAttempts: getEnvInt("RETRY_TRANSIENT_MAX_ATTEMPTS", 3),
		TransientMaxElapsed:  getEnvDuration("RETRY_TRANSIENT_MAX_ELAPSED", time.Minute),
		ValidationAttempts:   getEnvInt("RETRY_VALIDATION_ATTEMPTS", 3),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config: %s=%q is not an integer, using %d", key, raw, def)
		return def
	}
	return parsed
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("config: %s=%q is not a duration, using %s", key, raw, def)
		return def
	}
	return parsed
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}
