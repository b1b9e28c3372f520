// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// DefaultBaseURL is the public OPRLM orientation service.
const DefaultBaseURL = "https://oprlm.org/oprlm_server"

// BatchConfig holds service tuning knobs that are not part of the CLI surface.
type BatchConfig struct {
	Processing ProcessingConfig
	Executor   ExecutorConfig
	Events     EventsConfig
	Store      StoreConfig
	Mirror     MirrorConfig
}

// ProcessingConfig selects and configures the processing client adapters.
type ProcessingConfig struct {
	BaseURL     string
	Email       string
	HTTPTimeout time.Duration
	Image       string // container image for the docker backend
}

// ExecutorConfig is the per-job retry and timeout policy.
type ExecutorConfig struct {
	MaxSubmitRetries int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	PollInterval     time.Duration
	PollErrorLimit   int
	JobTimeout       time.Duration
}

// EventsConfig configures lifecycle event delivery. Empty URLs disable a sink.
type EventsConfig struct {
	CallbackURL string
	CallbackKey string
	Filter      []string // event types to deliver; empty means all
	NATSURL     string
	NATSSubject string
	BufferSize  int
	Workers     int
	Timeout     time.Duration
}

// StoreConfig configures run-history persistence. Empty DSN disables it.
type StoreConfig struct {
	DatabaseURL string
}

// MirrorConfig configures artifact mirroring. Empty endpoint disables it.
type MirrorConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// LoadBatchConfig loads configuration from environment variables.
func LoadBatchConfig() *BatchConfig {
	return &BatchConfig{
		Processing: ProcessingConfig{
			BaseURL:     GetEnv("OPRLM_BASE_URL", DefaultBaseURL),
			Email:       GetEnv("OPRLM_EMAIL", ""),
			HTTPTimeout: GetDurationEnv("OPRLM_HTTP_TIMEOUT", 60*time.Second),
			Image:       GetEnv("PROCESSING_IMAGE", "oprlm-automation:latest"),
		},
		Executor: ExecutorConfig{
			MaxSubmitRetries: GetIntEnv("SUBMIT_MAX_RETRIES", 3),
			BackoffBase:      GetDurationEnv("SUBMIT_BACKOFF_BASE", 2*time.Second),
			BackoffMax:       GetDurationEnv("SUBMIT_BACKOFF_MAX", 30*time.Second),
			PollInterval:     GetDurationEnv("POLL_INTERVAL", 2*time.Second),
			PollErrorLimit:   GetIntEnv("POLL_ERROR_LIMIT", 5),
			JobTimeout:       GetDurationEnv("JOB_TIMEOUT", 60*time.Minute),
		},
		Events: EventsConfig{
			CallbackURL: GetEnv("CALLBACK_URL", ""),
			CallbackKey: GetSecret("CALLBACK_KEY"),
			Filter:      GetListEnv("CALLBACK_EVENTS"),
			NATSURL:     GetEnv("NATS_URL", ""),
			NATSSubject: GetEnv("NATS_SUBJECT", "oprlm.jobs"),
			BufferSize:  GetIntEnv("EVENTS_BUFFER_SIZE", 1000),
			Workers:     GetIntEnv("EVENTS_WORKERS", 2),
			Timeout:     GetDurationEnv("EVENTS_TIMEOUT", 10*time.Second),
		},
		Store: StoreConfig{
			DatabaseURL: GetSecret("DATABASE_URL"),
		},
		Mirror: MirrorConfig{
			Endpoint:  GetEnv("MIRROR_ENDPOINT", ""),
			AccessKey: GetEnv("MIRROR_ACCESS_KEY", ""),
			SecretKey: GetSecret("MIRROR_SECRET_KEY"),
			Bucket:    GetEnv("MIRROR_BUCKET", "oprlm-artifacts"),
			Region:    GetEnv("MIRROR_REGION", ""),
			UseSSL:    GetBoolEnv("MIRROR_USE_SSL", true),
		},
	}
}
