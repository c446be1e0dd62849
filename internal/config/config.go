package config

import (
	"os"
	"strconv"
	"time"
)

// Store backends selectable via STORE_BACKEND.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds runtime configuration for the render queue daemon.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	StoreBackend string
	DataDir      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	ArtifactDir         string
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool

	ProbeTimeout          time.Duration
	GenerateIdleTimeout   time.Duration
	CancelWait            time.Duration
	ProgressFlushInterval time.Duration
	PreviewMaxEdge        int

	RateLimitCapacity int
	RateLimitRefill   float64
}

// Load reads configuration from environment variables with sane defaults for
// local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		StoreBackend: getEnv("STORE_BACKEND", BackendFile),
		DataDir:      getEnv("DATA_DIR", "./data"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),

		ArtifactDir:         getEnv("ARTIFACT_DIR", "./artifacts"),
		ArtifactS3Bucket:    getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactS3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
		ArtifactS3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),

		ProbeTimeout:          getEnvDuration("PROBE_TIMEOUT", 10*time.Second),
		GenerateIdleTimeout:   getEnvDuration("GENERATE_IDLE_TIMEOUT", 5*time.Minute),
		CancelWait:            getEnvDuration("CANCEL_WAIT", 5*time.Second),
		ProgressFlushInterval: getEnvDuration("PROGRESS_FLUSH_INTERVAL", 2*time.Second),
		PreviewMaxEdge:        getEnvInt("PREVIEW_MAX_EDGE", 256),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
