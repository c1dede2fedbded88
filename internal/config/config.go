package config

import (
	"errors"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr           string
	DBPath               string
	UpstreamBaseURL      string
	UpstreamAPIKey       string
	TranscriptionModel   string
	SummaryModel         string
	RequestTimeout       time.Duration
	TranscriptionTimeout time.Duration
	SummaryTimeout       time.Duration
	MaxUploadBytes       int64
	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	RetryMaxJitter       time.Duration
	LogLevel             string
}

type envConfig struct {
	ListenAddr                  string `env:"LISTEN_ADDR" envDefault:":8080"`
	DBPath                      string `env:"DB_PATH" envDefault:"sessionscribe.sqlite"`
	UpstreamBaseURL             string `env:"UPSTREAM_BASE_URL" envDefault:"https://api.groq.com/openai/v1"`
	UpstreamAPIKey              string `env:"UPSTREAM_API_KEY"`
	TranscriptionModel          string `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-large-v3"`
	SummaryModel                string `env:"SUMMARY_MODEL" envDefault:"meta-llama/llama-4-scout-17b-16e-instruct"`
	RequestTimeoutSeconds       int    `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"25"`
	TranscriptionTimeoutSeconds int    `env:"TRANSCRIPTION_TIMEOUT_SECONDS" envDefault:"20"`
	SummaryTimeoutSeconds       int    `env:"SUMMARY_TIMEOUT_SECONDS" envDefault:"30"`
	MaxUploadBytes              int64  `env:"MAX_UPLOAD_BYTES" envDefault:"26214400"`
	RetryMaxAttempts            int    `env:"RETRY_MAX_ATTEMPTS" envDefault:"4"`
	RetryBaseDelayMS            int    `env:"RETRY_BASE_DELAY_MS" envDefault:"1000"`
	RetryMaxJitterMS            int    `env:"RETRY_MAX_JITTER_MS" envDefault:"300"`
	LogLevel                    string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:           strings.TrimSpace(raw.ListenAddr),
		DBPath:               strings.TrimSpace(raw.DBPath),
		UpstreamBaseURL:      strings.TrimRight(strings.TrimSpace(raw.UpstreamBaseURL), "/"),
		UpstreamAPIKey:       strings.TrimSpace(raw.UpstreamAPIKey),
		TranscriptionModel:   strings.TrimSpace(raw.TranscriptionModel),
		SummaryModel:         strings.TrimSpace(raw.SummaryModel),
		RequestTimeout:       time.Duration(raw.RequestTimeoutSeconds) * time.Second,
		TranscriptionTimeout: time.Duration(raw.TranscriptionTimeoutSeconds) * time.Second,
		SummaryTimeout:       time.Duration(raw.SummaryTimeoutSeconds) * time.Second,
		MaxUploadBytes:       raw.MaxUploadBytes,
		RetryMaxAttempts:     raw.RetryMaxAttempts,
		RetryBaseDelay:       time.Duration(raw.RetryBaseDelayMS) * time.Millisecond,
		RetryMaxJitter:       time.Duration(raw.RetryMaxJitterMS) * time.Millisecond,
		LogLevel:             strings.ToLower(strings.TrimSpace(raw.LogLevel)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if c.UpstreamBaseURL == "" {
		return errors.New("UPSTREAM_BASE_URL must not be empty")
	}
	if c.TranscriptionModel == "" {
		return errors.New("TRANSCRIPTION_MODEL must not be empty")
	}
	if c.SummaryModel == "" {
		return errors.New("SUMMARY_MODEL must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.TranscriptionTimeout <= 0 {
		return errors.New("TRANSCRIPTION_TIMEOUT_SECONDS must be > 0")
	}
	if c.SummaryTimeout <= 0 {
		return errors.New("SUMMARY_TIMEOUT_SECONDS must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.RetryMaxAttempts < 1 {
		return errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if c.RetryBaseDelay <= 0 {
		return errors.New("RETRY_BASE_DELAY_MS must be > 0")
	}
	if c.RetryMaxJitter < 0 {
		return errors.New("RETRY_MAX_JITTER_MS must be >= 0")
	}
	return nil
}
