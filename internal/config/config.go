// Package config loads pipeline descriptions and turns them into scheduler
// triggers.
//
// A pipeline description is YAML (see pipeline.Config). Process settings come
// from the environment, optionally seeded from a .env file, and override the
// file where both exist.
package config

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-frame-pipeline/internal/storage"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Load reads and parses a YAML pipeline config file
func Load(path string) (*pipeline.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadFrom reads a pipeline config stored under key, such as a file below a
// base directory or a document behind an HTTP endpoint
func LoadFrom(ctx context.Context, r storage.Reader, key string) (*pipeline.Config, error) {
	rc, err := r.GetReader(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML pipeline config. Unknown fields are rejected.
func Parse(data []byte) (*pipeline.Config, error) {
	var cfg pipeline.Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, &pipeline.ConfigError{Err: fmt.Errorf("failed to parse config: %w", err)}
	}
	return &cfg, nil
}

// Env holds process settings read from the environment
type Env struct {
	ConfigPath  string // PIPELINE_CONFIG
	ConfigDir   string // PIPELINE_CONFIG_DIR
	OutputDir   string // PIPELINE_OUTPUT_DIR
	Input       string // PIPELINE_INPUT
	MaxInFlight int    // PIPELINE_MAX_IN_FLIGHT

	LogLevel  string // LOG_LEVEL
	LogFormat string // LOG_FORMAT

	MetricsAddr string // METRICS_ADDR
	HTTPAddr    string // WORKER_HTTP_ADDR

	DBOSDatabaseURL    string // DBOS_SYSTEM_DATABASE_URL
	DBOSQueueName      string // DBOS_QUEUE_NAME
	DBOSAppVersion     string // DBOS_APPLICATION_VERSION
	DBOSConcurrency    int    // DBOS_CONCURRENCY
	ResultsDatabaseURL string // RESULTS_DATABASE_URL
	ContentStorageDir  string // CONTENT_STORAGE_DIR
}

// LoadEnv loads .env files when present and reads the environment.
// Missing files are ignored; variables already set win over file values.
func LoadEnv(files ...string) (Env, error) {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Env{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	env := Env{
		ConfigPath:         os.Getenv("PIPELINE_CONFIG"),
		ConfigDir:          os.Getenv("PIPELINE_CONFIG_DIR"),
		OutputDir:          os.Getenv("PIPELINE_OUTPUT_DIR"),
		Input:              os.Getenv("PIPELINE_INPUT"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		LogFormat:          os.Getenv("LOG_FORMAT"),
		MetricsAddr:        os.Getenv("METRICS_ADDR"),
		HTTPAddr:           os.Getenv("WORKER_HTTP_ADDR"),
		DBOSDatabaseURL:    os.Getenv("DBOS_SYSTEM_DATABASE_URL"),
		DBOSQueueName:      os.Getenv("DBOS_QUEUE_NAME"),
		DBOSAppVersion:     os.Getenv("DBOS_APPLICATION_VERSION"),
		ResultsDatabaseURL: os.Getenv("RESULTS_DATABASE_URL"),
		ContentStorageDir:  os.Getenv("CONTENT_STORAGE_DIR"),
	}

	var err error
	if env.MaxInFlight, err = intEnv("PIPELINE_MAX_IN_FLIGHT"); err != nil {
		return Env{}, err
	}
	if env.DBOSConcurrency, err = intEnv("DBOS_CONCURRENCY"); err != nil {
		return Env{}, err
	}
	return env, nil
}

func intEnv(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", name, v)
	}
	return n, nil
}

// Apply overrides cfg with the settings that are set in env
func (e Env) Apply(cfg *pipeline.Config) {
	if e.Input != "" {
		cfg.Source.Input = e.Input
	}
	if e.MaxInFlight != 0 {
		cfg.MaxInFlight = e.MaxInFlight
	}
}
