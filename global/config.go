package global

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis_rate/v10"
	"gopkg.in/yaml.v3"
)

// Conf global config
var Conf Config

// Global rate limiter (nil when redis is disabled, e.g. in tests)
var RateLimiter *redis_rate.Limiter

type Config struct {
	Host       string           `yaml:"host" validate:"required"`
	Port       int              `yaml:"port" validate:"required,gt=0"`
	Scheme     string           `yaml:"scheme"`
	Mode       string           `yaml:"mode"` // debug or release
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Admin      AdminConfig      `yaml:"administration"`
	Org        OrgConfig        `yaml:"organization"`
	Ballpark   BallparkConfig   `yaml:"ballpark"`
	Email      EmailConfig      `yaml:"email"`
	Storage    StorageConfig    `yaml:"storage"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	SSE        SSEConfig        `yaml:"sse"`
}

type DatabaseConfig struct {
	// Type selects the repository implementation: "memory" or "postgres"
	Type string `yaml:"type" validate:"required,oneof=memory postgres"`
	URL  string `yaml:"url"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type AdminConfig struct {
	Token string `yaml:"token" validate:"required"`
}

// Server-side defaults applied to new organizations, plus the spontaneous
// bootstrap toggle (bootstrap without a prior create call).
type OrgConfig struct {
	SpontaneousBootstrap   bool   `yaml:"spontaneousBootstrap"`
	ActiveUsersLimit       *int   `yaml:"activeUsersLimit"`
	OutsiderAllowed        bool   `yaml:"outsiderAllowed"`
	MinimumArchivingPeriod int    `yaml:"minimumArchivingPeriodDays"`
	InvitationBaseURL      string `yaml:"invitationBaseUrl"`
}

type BallparkConfig struct {
	// Acceptance window for client-asserted timestamps, in seconds.
	EarlyOffset int `yaml:"earlyOffsetSeconds"`
	LateOffset  int `yaml:"lateOffsetSeconds"`
}

type EmailConfig struct {
	SmtpHost     string `yaml:"smtpHost"`
	SmtpPort     int    `yaml:"smtpPort"`
	SmtpUsername string `yaml:"smtpUsername"`
	SmtpPassword string `yaml:"smtpPassword"`
	Sender       string `yaml:"sender"`
}

type StorageConfig struct {
	Type   string `yaml:"type"` // "" (repository) or "s3"
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
}

type PrometheusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type SSEConfig struct {
	// Per-subscriber buffered events before a slow consumer is dropped.
	BufferSize int `yaml:"bufferSize"`
	// Keepalive interval in seconds.
	KeepaliveSeconds int `yaml:"keepaliveSeconds"`
}

// LoadConfig reads and validates the yaml configuration file into conf.
func LoadConfig(path string, conf *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, conf); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	ApplyConfigDefaults(conf)
	validate := validator.New()
	if err := validate.Struct(conf); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ApplyConfigDefaults fills in the server defaults for unset fields. Exposed
// so tests can build a valid config without a yaml file.
func ApplyConfigDefaults(conf *Config) {
	if conf.Scheme == "" {
		conf.Scheme = "http"
	}
	if conf.Ballpark.EarlyOffset == 0 {
		conf.Ballpark.EarlyOffset = 300
	}
	if conf.Ballpark.LateOffset == 0 {
		conf.Ballpark.LateOffset = 320
	}
	if conf.SSE.BufferSize == 0 {
		conf.SSE.BufferSize = 128
	}
	if conf.SSE.KeepaliveSeconds == 0 {
		conf.SSE.KeepaliveSeconds = 30
	}
	if conf.Database.Type == "" {
		conf.Database.Type = "memory"
	}
}
