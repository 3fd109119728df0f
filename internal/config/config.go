package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/KaramelBytes/analyzethis/internal/analysis"
	"github.com/KaramelBytes/analyzethis/internal/retry"
)

// Global configuration structure.
type Global struct {
	APIKey          string  `mapstructure:"api_key" yaml:"api_key"`
	DefaultModel    string  `mapstructure:"default_model" yaml:"default_model"`
	DefaultProvider string  `mapstructure:"default_provider" yaml:"default_provider"`
	ProviderBaseURL string  `mapstructure:"provider_base_url" yaml:"provider_base_url,omitempty"`
	MaxTokens       int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature" yaml:"temperature"`

	// HTTP/Retry configuration
	HTTPTimeoutSec       int `mapstructure:"http_timeout_sec" yaml:"http_timeout_sec"`
	CompletionTimeoutSec int `mapstructure:"completion_timeout_sec" yaml:"completion_timeout_sec"`
	RetryMaxAttempts     int `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryBaseDelayMs     int `mapstructure:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs      int `mapstructure:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`
	RenderMaxAttempts    int `mapstructure:"render_max_attempts" yaml:"render_max_attempts"`
	RenderDelayMs        int `mapstructure:"render_delay_ms" yaml:"render_delay_ms"`

	// Sampling and statistics
	MaxFileBytes         int64   `mapstructure:"max_file_bytes" yaml:"max_file_bytes"`
	SampleRows           int     `mapstructure:"sample_rows" yaml:"sample_rows"`
	OutlierMethod        string  `mapstructure:"outlier_method" yaml:"outlier_method"`
	OutlierThreshold     float64 `mapstructure:"outlier_threshold" yaml:"outlier_threshold"`
	CorrelationThreshold float64 `mapstructure:"correlation_threshold" yaml:"correlation_threshold"`

	// Prompt composition
	MinPromptLength int  `mapstructure:"min_prompt_length" yaml:"min_prompt_length"`
	MaxPromptLength int  `mapstructure:"max_prompt_length" yaml:"max_prompt_length"`
	IncludeStats    bool `mapstructure:"include_stats" yaml:"include_stats"`

	// Storage
	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`
	StoreDriver string `mapstructure:"store_driver" yaml:"store_driver"`
	StoreDSN    string `mapstructure:"store_dsn" yaml:"store_dsn,omitempty"`
	BlobDriver  string `mapstructure:"blob_driver" yaml:"blob_driver"`

	MinioEndpoint  string `mapstructure:"minio_endpoint" yaml:"minio_endpoint,omitempty"`
	MinioRegion    string `mapstructure:"minio_region" yaml:"minio_region,omitempty"`
	MinioBucket    string `mapstructure:"minio_bucket" yaml:"minio_bucket,omitempty"`
	MinioAccessKey string `mapstructure:"minio_access_key" yaml:"minio_access_key,omitempty"`
	MinioSecretKey string `mapstructure:"minio_secret_key" yaml:"minio_secret_key,omitempty"`
	MinioUseSSL    bool   `mapstructure:"minio_use_ssl" yaml:"minio_use_ssl"`
	MinioPrefix    string `mapstructure:"minio_prefix" yaml:"minio_prefix,omitempty"`

	// Server and rendering
	ListenAddr               string `mapstructure:"listen_addr" yaml:"listen_addr"`
	MaxConcurrentGenerations int    `mapstructure:"max_concurrent_generations" yaml:"max_concurrent_generations"`
	WkhtmltopdfPath          string `mapstructure:"wkhtmltopdf_path" yaml:"wkhtmltopdf_path,omitempty"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
}

const dirName = ".analyzethis"

func defaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, dirName), nil
}

// Save writes the given configuration to the cfgFile path. If cfgFile is empty,
// it writes to ~/.analyzethis/config.yaml, creating the directory if necessary.
func Save(c *Global, cfgFile string) error {
	path := cfgFile
	if path == "" {
		dir, err := defaultDir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir config dir: %w", err)
		}
		path = filepath.Join(dir, "config.yaml")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	// The file may hold API keys.
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_key", "")
	v.SetDefault("default_model", "anthropic/claude-3.5-sonnet")
	v.SetDefault("default_provider", "openrouter")
	v.SetDefault("provider_base_url", "")
	v.SetDefault("max_tokens", 4000)
	v.SetDefault("temperature", 0.2)
	// HTTP/retry defaults
	v.SetDefault("http_timeout_sec", 60)
	v.SetDefault("completion_timeout_sec", 90)
	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("retry_base_delay_ms", 2000)
	v.SetDefault("retry_max_delay_ms", 10000)
	v.SetDefault("render_max_attempts", 3)
	v.SetDefault("render_delay_ms", 2000)
	// Sampling defaults
	v.SetDefault("max_file_bytes", analysis.DefaultMaxBytes)
	v.SetDefault("sample_rows", 5)
	v.SetDefault("outlier_method", string(analysis.OutlierZScore))
	v.SetDefault("outlier_threshold", 3.0)
	v.SetDefault("correlation_threshold", 0.5)
	v.SetDefault("min_prompt_length", 10)
	v.SetDefault("max_prompt_length", 1000)
	v.SetDefault("include_stats", false)
	// Storage defaults
	v.SetDefault("data_dir", "")
	v.SetDefault("store_driver", "file")
	v.SetDefault("store_dsn", "")
	v.SetDefault("blob_driver", "local")
	for _, k := range []string{"minio_endpoint", "minio_region", "minio_bucket", "minio_access_key", "minio_secret_key", "minio_prefix"} {
		v.SetDefault(k, "")
	}
	v.SetDefault("minio_use_ssl", false)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("max_concurrent_generations", 4)
	v.SetDefault("wkhtmltopdf_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

// Load loads configuration from file, env, and defaults.
// Precedence: env (including a local .env) > config file > defaults. Flags are
// applied by the caller.
func Load(cfgFile string) (*Global, error) {
	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("ANALYZETHIS")
	v.AutomaticEnv()
	_ = v.BindEnv("api_key", "ANALYZETHIS_API_KEY", "OPENROUTER_API_KEY")
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		dir, err := defaultDir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Global
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.DataDir == "" {
		dir, err := defaultDir()
		if err != nil {
			return nil, err
		}
		c.DataDir = filepath.Join(dir, "data")
	}
	return &c, nil
}

// UploadDir is where the local blob store keeps datasets.
func (c *Global) UploadDir() string { return filepath.Join(c.DataDir, "uploads") }

// RecordsDir is where the file store keeps records.
func (c *Global) RecordsDir() string { return filepath.Join(c.DataDir, "records") }

// HTTPTimeout is the per-request timeout of the completion client.
func (c *Global) HTTPTimeout() time.Duration { return time.Duration(c.HTTPTimeoutSec) * time.Second }

// CompletionTimeout bounds one completion including retries.
func (c *Global) CompletionTimeout() time.Duration {
	return time.Duration(c.CompletionTimeoutSec) * time.Second
}

// RetryPolicy is the completion retry policy.
func (c *Global) RetryPolicy() retry.Policy {
	return retry.Exponential(c.RetryMaxAttempts,
		time.Duration(c.RetryBaseDelayMs)*time.Millisecond,
		time.Duration(c.RetryMaxDelayMs)*time.Millisecond)
}

// RenderRetry is the pdf rendering retry policy.
func (c *Global) RenderRetry() retry.Policy {
	return retry.Fixed(c.RenderMaxAttempts, time.Duration(c.RenderDelayMs)*time.Millisecond)
}

// Sampling returns the sampler options.
func (c *Global) Sampling() (analysis.Options, error) {
	m, err := analysis.ParseOutlierMethod(c.OutlierMethod)
	if err != nil {
		return analysis.Options{}, err
	}
	return analysis.Options{
		MaxBytes:             c.MaxFileBytes,
		SampleRows:           c.SampleRows,
		CorrelationThreshold: analysis.Threshold(c.CorrelationThreshold),
		OutlierMethod:        m,
		OutlierThreshold:     c.OutlierThreshold,
	}, nil
}

// Keys lists the settable keys in display order.
var Keys = []string{
	"api_key", "default_model", "default_provider", "provider_base_url", "max_tokens", "temperature",
	"http_timeout_sec", "completion_timeout_sec", "retry_max_attempts", "retry_base_delay_ms", "retry_max_delay_ms",
	"render_max_attempts", "render_delay_ms",
	"max_file_bytes", "sample_rows", "outlier_method", "outlier_threshold", "correlation_threshold",
	"min_prompt_length", "max_prompt_length", "include_stats",
	"data_dir", "store_driver", "store_dsn", "blob_driver",
	"minio_endpoint", "minio_region", "minio_bucket", "minio_access_key", "minio_secret_key", "minio_use_ssl", "minio_prefix",
	"listen_addr", "max_concurrent_generations", "wkhtmltopdf_path", "log_level", "log_format",
}

// secretKeys are masked by Get when masked output is requested.
var secretKeys = map[string]bool{"api_key": true, "minio_secret_key": true, "minio_access_key": true, "store_dsn": true}

// Get renders one key's value; secrets are masked when mask is set.
func (c *Global) Get(key string, mask bool) (string, error) {
	var s string
	switch key {
	case "api_key":
		s = c.APIKey
	case "default_model":
		s = c.DefaultModel
	case "default_provider":
		s = c.DefaultProvider
	case "provider_base_url":
		s = c.ProviderBaseURL
	case "max_tokens":
		s = strconv.Itoa(c.MaxTokens)
	case "temperature":
		s = strconv.FormatFloat(c.Temperature, 'f', -1, 64)
	case "http_timeout_sec":
		s = strconv.Itoa(c.HTTPTimeoutSec)
	case "completion_timeout_sec":
		s = strconv.Itoa(c.CompletionTimeoutSec)
	case "retry_max_attempts":
		s = strconv.Itoa(c.RetryMaxAttempts)
	case "retry_base_delay_ms":
		s = strconv.Itoa(c.RetryBaseDelayMs)
	case "retry_max_delay_ms":
		s = strconv.Itoa(c.RetryMaxDelayMs)
	case "render_max_attempts":
		s = strconv.Itoa(c.RenderMaxAttempts)
	case "render_delay_ms":
		s = strconv.Itoa(c.RenderDelayMs)
	case "max_file_bytes":
		s = strconv.FormatInt(c.MaxFileBytes, 10)
	case "sample_rows":
		s = strconv.Itoa(c.SampleRows)
	case "outlier_method":
		s = c.OutlierMethod
	case "outlier_threshold":
		s = strconv.FormatFloat(c.OutlierThreshold, 'f', -1, 64)
	case "correlation_threshold":
		s = strconv.FormatFloat(c.CorrelationThreshold, 'f', -1, 64)
	case "min_prompt_length":
		s = strconv.Itoa(c.MinPromptLength)
	case "max_prompt_length":
		s = strconv.Itoa(c.MaxPromptLength)
	case "include_stats":
		s = strconv.FormatBool(c.IncludeStats)
	case "data_dir":
		s = c.DataDir
	case "store_driver":
		s = c.StoreDriver
	case "store_dsn":
		s = c.StoreDSN
	case "blob_driver":
		s = c.BlobDriver
	case "minio_endpoint":
		s = c.MinioEndpoint
	case "minio_region":
		s = c.MinioRegion
	case "minio_bucket":
		s = c.MinioBucket
	case "minio_access_key":
		s = c.MinioAccessKey
	case "minio_secret_key":
		s = c.MinioSecretKey
	case "minio_use_ssl":
		s = strconv.FormatBool(c.MinioUseSSL)
	case "minio_prefix":
		s = c.MinioPrefix
	case "listen_addr":
		s = c.ListenAddr
	case "max_concurrent_generations":
		s = strconv.Itoa(c.MaxConcurrentGenerations)
	case "wkhtmltopdf_path":
		s = c.WkhtmltopdfPath
	case "log_level":
		s = c.LogLevel
	case "log_format":
		s = c.LogFormat
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
	if mask && secretKeys[key] {
		return Mask(s), nil
	}
	return s, nil
}

// Set parses and assigns one key.
func (c *Global) Set(key, val string) error {
	val = strings.TrimSpace(val)
	atoi := func(min int) (int, error) {
		i, err := strconv.Atoi(val)
		if err != nil || i < min {
			return 0, fmt.Errorf("invalid int for %s: %v", key, val)
		}
		return i, nil
	}
	atof := func() (float64, error) {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid float for %s: %v", key, val)
		}
		return f, nil
	}
	atob := func() (bool, error) {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false, fmt.Errorf("invalid bool for %s: %v", key, val)
		}
		return b, nil
	}
	var err error
	switch key {
	case "api_key":
		c.APIKey = val
	case "default_model":
		c.DefaultModel = val
	case "default_provider":
		switch strings.ToLower(val) {
		case "openrouter":
			c.DefaultProvider = "openrouter"
		case "openai":
			c.DefaultProvider = "openai"
		default:
			return fmt.Errorf("invalid default_provider: %s (use openrouter or openai)", val)
		}
	case "provider_base_url":
		c.ProviderBaseURL = val
	case "max_tokens":
		c.MaxTokens, err = atoi(1)
	case "temperature":
		c.Temperature, err = atof()
	case "http_timeout_sec":
		c.HTTPTimeoutSec, err = atoi(1)
	case "completion_timeout_sec":
		c.CompletionTimeoutSec, err = atoi(0)
	case "retry_max_attempts":
		c.RetryMaxAttempts, err = atoi(1)
	case "retry_base_delay_ms":
		c.RetryBaseDelayMs, err = atoi(0)
	case "retry_max_delay_ms":
		c.RetryMaxDelayMs, err = atoi(0)
	case "render_max_attempts":
		c.RenderMaxAttempts, err = atoi(1)
	case "render_delay_ms":
		c.RenderDelayMs, err = atoi(0)
	case "max_file_bytes":
		var n int
		n, err = atoi(1)
		c.MaxFileBytes = int64(n)
	case "sample_rows":
		c.SampleRows, err = atoi(1)
	case "outlier_method":
		var m analysis.OutlierMethod
		m, err = analysis.ParseOutlierMethod(val)
		c.OutlierMethod = string(m)
	case "outlier_threshold":
		c.OutlierThreshold, err = atof()
	case "correlation_threshold":
		c.CorrelationThreshold, err = atof()
	case "min_prompt_length":
		c.MinPromptLength, err = atoi(1)
	case "max_prompt_length":
		c.MaxPromptLength, err = atoi(1)
	case "include_stats":
		c.IncludeStats, err = atob()
	case "data_dir":
		c.DataDir = val
	case "store_driver":
		switch strings.ToLower(val) {
		case "file", "sqlite3", "sqlite", "postgres", "mysql":
			c.StoreDriver = strings.ToLower(val)
		default:
			return fmt.Errorf("invalid store_driver: %s (use file, sqlite3, postgres or mysql)", val)
		}
	case "store_dsn":
		c.StoreDSN = val
	case "blob_driver":
		switch strings.ToLower(val) {
		case "local", "minio":
			c.BlobDriver = strings.ToLower(val)
		default:
			return fmt.Errorf("invalid blob_driver: %s (use local or minio)", val)
		}
	case "minio_endpoint":
		c.MinioEndpoint = val
	case "minio_region":
		c.MinioRegion = val
	case "minio_bucket":
		c.MinioBucket = val
	case "minio_access_key":
		c.MinioAccessKey = val
	case "minio_secret_key":
		c.MinioSecretKey = val
	case "minio_use_ssl":
		c.MinioUseSSL, err = atob()
	case "minio_prefix":
		c.MinioPrefix = val
	case "listen_addr":
		c.ListenAddr = val
	case "max_concurrent_generations":
		c.MaxConcurrentGenerations, err = atoi(1)
	case "wkhtmltopdf_path":
		c.WkhtmltopdfPath = val
	case "log_level":
		c.LogLevel = strings.ToLower(val)
	case "log_format":
		switch strings.ToLower(val) {
		case "console", "json":
			c.LogFormat = strings.ToLower(val)
		default:
			return fmt.Errorf("invalid log_format: %s (use console or json)", val)
		}
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	return err
}

// Mask hides all but the edges of a secret.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 6 {
		return "******"
	}
	return s[:3] + "****" + s[len(s)-3:]
}
