package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	DBMaxConns       int
	DBMinConns       int
	DBConnectTimeout time.Duration

	AMQPURL        string
	QueueName      string
	QueueRetries   int
	QueueRetryWait time.Duration

	GCPProjectID  string
	SceneLocation string
	SceneModel    string
	// SceneBaseURL overrides the derived Vertex endpoint; used by tests and
	// regional proxies.
	SceneBaseURL      string
	TokenURL          string
	ScenePollAttempts int
	ScenePollInterval time.Duration

	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StoragePublicURL string
	SignedURLTTL     time.Duration

	OverlayAPIKey       string
	OverlayBaseV1       string
	OverlayBaseV2       string
	OverlayRetryDelay   time.Duration
	OverlayPollAttempts int
	OverlayPollInterval time.Duration

	MusicTrackURLs []string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		DBMaxConns:       getEnvInt("DB_MAX_CONNS", 10),
		DBMinConns:       getEnvInt("DB_MIN_CONNS", 1),
		DBConnectTimeout: time.Second * time.Duration(getEnvInt("DB_CONNECT_TIMEOUT_SECONDS", 10)),

		AMQPURL:        os.Getenv("AMQP_URL"),
		QueueName:      getEnv("QUEUE_NAME", "renderly"),
		QueueRetries:   getEnvInt("QUEUE_RETRIES", 3),
		QueueRetryWait: time.Second * time.Duration(getEnvInt("QUEUE_RETRY_WAIT_SECONDS", 5)),

		GCPProjectID:      os.Getenv("GCP_PROJECT_ID"),
		SceneLocation:     getEnv("SCENE_LOCATION", "us-central1"),
		SceneModel:        getEnv("SCENE_MODEL", "veo-3.1-generate-preview"),
		SceneBaseURL:      os.Getenv("SCENE_BASE_URL"),
		TokenURL:          os.Getenv("GCP_TOKEN_URL"),
		ScenePollAttempts: getEnvInt("SCENE_POLL_ATTEMPTS", 60),
		ScenePollInterval: time.Second * time.Duration(getEnvInt("SCENE_POLL_INTERVAL_SECONDS", 10)),

		StorageEndpoint:  getEnv("STORAGE_ENDPOINT", "storage.googleapis.com"),
		StorageAccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
		StorageSecretKey: os.Getenv("STORAGE_SECRET_KEY"),
		StorageBucket:    getEnv("STORAGE_BUCKET", "bucket"),
		StoragePublicURL: getEnv("STORAGE_PUBLIC_URL", "https://storage.googleapis.com"),
		SignedURLTTL:     time.Minute * time.Duration(getEnvInt("SIGNED_URL_TTL_MINUTES", 15)),

		OverlayAPIKey:       os.Getenv("HEYGEN_API_KEY"),
		OverlayBaseV1:       getEnv("HEYGEN_BASE_V1", "https://api.heygen.com/v1"),
		OverlayBaseV2:       getEnv("HEYGEN_BASE_V2", "https://api.heygen.com/v2"),
		OverlayRetryDelay:   time.Second * time.Duration(getEnvInt("HEYGEN_RETRY_DELAY_SECONDS", 2)),
		OverlayPollAttempts: getEnvInt("HEYGEN_POLL_ATTEMPTS", 60),
		OverlayPollInterval: time.Second * time.Duration(getEnvInt("HEYGEN_POLL_INTERVAL_SECONDS", 10)),

		MusicTrackURLs: splitEnvList("MUSIC_TRACK_URLS"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.AMQPURL == "" {
		return nil, fmt.Errorf("AMQP_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitEnvList(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
