// Package config loads server configuration from defaults, an optional YAML
// file, the environment (including a .env file) and command line flags, in
// that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr" validate:"required"`
	GRPCAddr string `yaml:"grpc_addr"`
	// DSN of the PostgreSQL database. Empty with Dev set uses the in-memory store.
	DSN      string `yaml:"dsn" validate:"required_without=Dev"`
	Dev      bool   `yaml:"dev"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
	Timezone string `yaml:"timezone" validate:"timezone"`

	// JWTKey signs and verifies bearer tokens. Environment only.
	JWTKey string `yaml:"-" validate:"required,min=16"`

	StoreTimeout    time.Duration `yaml:"store_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	Enrich    Enrich    `yaml:"enrich"`
	Report    Report    `yaml:"report"`
	Aggregate Aggregate `yaml:"aggregate"`
	LLM       LLM       `yaml:"llm"`
	Media     Media     `yaml:"media"`
}

type Enrich struct {
	Workers      int           `yaml:"workers" validate:"gte=1,lte=64"`
	QueueSize    int           `yaml:"queue_size" validate:"gte=1"`
	TaskTimeout  time.Duration `yaml:"task_timeout" validate:"gt=0"`
	WriteRetries uint64        `yaml:"write_retries" validate:"lte=10"`
	StaleAfter   time.Duration `yaml:"stale_after" validate:"gt=0"`
	SweepEvery   time.Duration `yaml:"sweep_every"`
	// Quota of enrichment starts per user per QuotaWindow. Zero means unlimited.
	Quota        int           `yaml:"quota" validate:"gte=0"`
	QuotaWindow  time.Duration `yaml:"quota_window" validate:"required_with=Quota"`
}

type Report struct {
	// MaxAge of a cached report. Zero disables the age bound.
	MaxAge time.Duration `yaml:"max_age" validate:"gte=0"`
}

type Aggregate struct {
	StreakLookbackDays int `yaml:"streak_lookback_days" validate:"gte=1,lte=366"`
	HorizonDays        int `yaml:"horizon_days" validate:"gte=1"`
}

type LLM struct {
	Provider      string        `yaml:"provider" validate:"oneof=openai gemini none"`
	Model         string        `yaml:"model"`
	BaseURL       string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey        string        `yaml:"-"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	RatePerMinute int           `yaml:"rate_per_minute" validate:"gte=0"`
	Burst         int           `yaml:"burst" validate:"gte=0"`
}

type Media struct {
	Bucket     string        `yaml:"bucket"`
	Region     string        `yaml:"region"`
	PresignTTL time.Duration `yaml:"presign_ttl" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":8081",
		LogLevel:        "info",
		Timezone:        "UTC",
		StoreTimeout:    5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Enrich: Enrich{
			Workers:      4,
			QueueSize:    256,
			TaskTimeout:  60 * time.Second,
			WriteRetries: 3,
			StaleAfter:   10 * time.Minute,
			SweepEvery:   time.Minute,
			QuotaWindow:  24 * time.Hour,
		},
		Report:    Report{MaxAge: 24 * time.Hour},
		Aggregate: Aggregate{StreakLookbackDays: 60, HorizonDays: 120},
		LLM: LLM{
			Provider:      "openai",
			Timeout:       45 * time.Second,
			RatePerMinute: 60,
			Burst:         5,
		},
		Media: Media{PresignTTL: 15 * time.Minute},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds the configuration for the given command line arguments.
func Load(args []string) (*Config, error) {
	fset := flag.NewFlagSet("nutrikeeper", flag.ContinueOnError)
	path := fset.String("config", os.Getenv("NK_CONFIG"), "path to YAML config file")
	envFile := fset.String("env-file", ".env", "dotenv file to load if present")
	addr := fset.String("addr", "", "HTTP listen address")
	grpcAddr := fset.String("grpc-addr", "", "gRPC health listen address")
	dsn := fset.String("dsn", "", "PostgreSQL DSN")
	dev := fset.Bool("dev", false, "use the in-memory store when no DSN is set")
	logLevel := fset.String("log-level", "", "debug|info|warn|error")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", *envFile, err)
	}

	cfg := Default()
	if *path != "" {
		if err := cfg.readFile(*path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	set := map[string]bool{}
	fset.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["addr"] {
		cfg.HTTPAddr = *addr
	}
	if set["grpc-addr"] {
		cfg.GRPCAddr = *grpcAddr
	}
	if set["dsn"] {
		cfg.DSN = *dsn
	}
	if set["dev"] {
		cfg.Dev = *dev
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	// Dev mode runs without a model rather than failing on a missing key.
	if cfg.Dev && cfg.LLM.Provider != "none" && cfg.LLM.APIKey == "" {
		cfg.LLM.Provider = "none"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NK_DSN"); v != "" {
		c.DSN = v
	}
	if v := os.Getenv("NK_JWT_KEY"); v != "" {
		c.JWTKey = v
	}
	switch c.LLM.Provider {
	case "openai":
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	case "gemini":
		c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if v := os.Getenv("NK_S3_BUCKET"); v != "" {
		c.Media.Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" && c.Media.Region == "" {
		c.Media.Region = v
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.LLM.Provider != "none" && c.LLM.APIKey == "" {
		return fmt.Errorf("invalid config: missing API key for model provider %q", c.LLM.Provider)
	}
	return nil
}

// Location returns the configured time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
