package core

import (
	"fmt"
	"strings"
	"time"
)

type ConsumerConfig struct {
	Stream       string        `koanf:"stream" mapstructure:"stream"`
	Group        string        `koanf:"group" mapstructure:"group"`
	Consumer     string        `koanf:"consumer" mapstructure:"consumer"`
	BlockTimeout time.Duration `koanf:"block_timeout" mapstructure:"block_timeout"`
	BatchSize    int           `koanf:"batch_size" mapstructure:"batch_size"`
	Concurrency  int           `koanf:"concurrency" mapstructure:"concurrency"`
	ReclaimEvery time.Duration `koanf:"reclaim_every" mapstructure:"reclaim_every"`
	ReclaimIdle  time.Duration `koanf:"reclaim_idle" mapstructure:"reclaim_idle"`
	ReclaimCount int           `koanf:"reclaim_count" mapstructure:"reclaim_count"`
}

type RetryConfig struct {
	ScanEvery     time.Duration `koanf:"scan_every" mapstructure:"scan_every"`
	BatchSize     int           `koanf:"batch_size" mapstructure:"batch_size"`
	MaxAttempts   int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay     time.Duration `koanf:"base_delay" mapstructure:"base_delay"`
	Multiplier    int           `koanf:"multiplier" mapstructure:"multiplier"`
	MaxDelay      time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
	CleanupEvery  time.Duration `koanf:"cleanup_every" mapstructure:"cleanup_every"`
	RetentionDays int           `koanf:"retention_days" mapstructure:"retention_days"`
}

type DispatchConfig struct {
	PollEvery      time.Duration `koanf:"poll_every" mapstructure:"poll_every"`
	BatchSize      int           `koanf:"batch_size" mapstructure:"batch_size"`
	RequestTimeout time.Duration `koanf:"request_timeout" mapstructure:"request_timeout"`
	UserAgent      string        `koanf:"user_agent" mapstructure:"user_agent"`

	// SigningSecret, when set, enables HMAC-SHA256 signing of outbound
	// delivery requests.
	SigningSecret   string `koanf:"signing_secret" mapstructure:"signing_secret"`
	SignatureHeader string `koanf:"signature_header" mapstructure:"signature_header"`
	TimestampHeader string `koanf:"timestamp_header" mapstructure:"timestamp_header"`
}

type Config struct {
	ServiceName string         `koanf:"service_name" mapstructure:"service_name"`
	Consumer    ConsumerConfig `koanf:"consumer" mapstructure:"consumer"`
	Retry       RetryConfig    `koanf:"retry" mapstructure:"retry"`
	Dispatch    DispatchConfig `koanf:"dispatch" mapstructure:"dispatch"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "webhook-pipeline",
		Consumer: ConsumerConfig{
			Stream:       "webhook_events",
			Group:        "processing_group",
			Consumer:     "processor_1",
			BlockTimeout: 5 * time.Second,
			BatchSize:    5,
			Concurrency:  3,
			ReclaimEvery: time.Minute,
			ReclaimIdle:  time.Minute,
			ReclaimCount: 10,
		},
		Retry: RetryConfig{
			ScanEvery:     time.Minute,
			BatchSize:     10,
			MaxAttempts:   5,
			BaseDelay:     time.Minute,
			Multiplier:    2,
			MaxDelay:      time.Hour,
			CleanupEvery:  24 * time.Hour,
			RetentionDays: 30,
		},
		Dispatch: DispatchConfig{
			PollEvery:      5 * time.Second,
			BatchSize:      20,
			RequestTimeout: 10 * time.Second,
			UserAgent:      "go-webhook-pipeline/1.0",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if strings.TrimSpace(c.Consumer.Stream) == "" {
		return fmt.Errorf("core: consumer.stream is required")
	}
	if strings.TrimSpace(c.Consumer.Group) == "" {
		return fmt.Errorf("core: consumer.group is required")
	}
	if strings.TrimSpace(c.Consumer.Consumer) == "" {
		return fmt.Errorf("core: consumer.consumer is required")
	}
	if c.Consumer.Concurrency < 1 {
		return fmt.Errorf("core: consumer.concurrency must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("core: retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("core: retry.base_delay must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("core: retry.multiplier must be at least 1")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("core: retry.max_delay must be at least retry.base_delay")
	}
	if c.Dispatch.RequestTimeout <= 0 {
		return fmt.Errorf("core: dispatch.request_timeout must be positive")
	}
	return nil
}
