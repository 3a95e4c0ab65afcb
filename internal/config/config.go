// Package config loads process configuration from the environment,
// following the teacher's practice of reading os.Getenv at startup but
// consolidated into one typed loader for this service's larger surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RecoveryPolicy selects what the worker recovery sweep does with orphaned
// in-progress jobs found at startup (spec §4.7, §9 Open Question).
type RecoveryPolicy string

const (
	RecoveryRequeue RecoveryPolicy = "requeue"
	RecoveryFail    RecoveryPolicy = "fail"
)

// Config is the fully-resolved process configuration.
type Config struct {
	ListenAddr string

	RedisAddr string
	RedisDB   int
	KeyPrefix string

	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool

	EngineBaseURL string
	EngineToken   string
	EngineTimeout time.Duration

	WorkerPoolSize    int
	VisibilityTimeout time.Duration
	URLTTL            time.Duration
	RecoveryPolicy    RecoveryPolicy

	SubmitTimeout     time.Duration
	DequeueTimeout    time.Duration
	ReapInterval      time.Duration
	PublishCoalesce   time.Duration
	RateLimitPerSec   float64
	RateLimitBurst    int
	MaxBodyBytes      int64

	AdminToken string
	Env        string
}

// Load resolves Config from the environment, applying spec defaults for
// anything unset.
func Load() (*Config, error) {
	c := &Config{
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		RedisAddr:         getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		KeyPrefix:         getEnv("STATE_KEY_PREFIX", "app"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3Bucket:          getEnv("S3_BUCKET", "imageforge-artifacts"),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3ForcePathStyle:  getEnvBool("S3_FORCE_PATH_STYLE", true),
		EngineBaseURL:     getEnv("ENGINE_BASE_URL", "http://127.0.0.1:8188"),
		EngineToken:       getEnv("ENGINE_TOKEN", ""),
		EngineTimeout:     getEnvDuration("ENGINE_TIMEOUT", 1200*time.Second),
		WorkerPoolSize:    getEnvInt("WORKER_POOL_SIZE", 5),
		VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 30*time.Minute),
		URLTTL:            getEnvDuration("PRESIGN_TTL", time.Hour),
		RecoveryPolicy:    RecoveryPolicy(getEnv("RECOVERY_POLICY", string(RecoveryRequeue))),
		SubmitTimeout:     getEnvDuration("SUBMIT_TIMEOUT", 10*time.Second),
		DequeueTimeout:    getEnvDuration("DEQUEUE_TIMEOUT", 5*time.Second),
		ReapInterval:      getEnvDuration("REAP_INTERVAL", time.Minute),
		PublishCoalesce:   getEnvDuration("PUBLISH_COALESCE", 200*time.Millisecond),
		RateLimitPerSec:   getEnvFloat("RATE_LIMIT_PER_SEC", 5),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 10),
		MaxBodyBytes:      int64(getEnvInt("MAX_BODY_BYTES", 10<<20)),
		AdminToken:        getEnv("ADMIN_TOKEN", ""),
		Env:               getEnv("APP_ENV", "development"),
	}
	if c.RecoveryPolicy != RecoveryRequeue && c.RecoveryPolicy != RecoveryFail {
		return nil, fmt.Errorf("invalid RECOVERY_POLICY %q: must be %q or %q", c.RecoveryPolicy, RecoveryRequeue, RecoveryFail)
	}
	if c.WorkerPoolSize < 1 {
		return nil, fmt.Errorf("WORKER_POOL_SIZE must be >= 1")
	}
	return c, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
