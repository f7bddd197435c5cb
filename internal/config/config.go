package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Skew modes accepted by RecaptchaConfig.SkewMode
const (
	SkewModeAbsolute = "absolute"
	SkewModeOneSided = "one_sided"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Recaptcha  RecaptchaConfig  `yaml:"recaptcha"`
	Gate       GateConfig       `yaml:"gate"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	UpstreamURL     string        `yaml:"upstream_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// RecaptchaConfig contains scoring service settings and the validation policy
type RecaptchaConfig struct {
	VerifyURL       string        `yaml:"verify_url"`
	Secret          string        `yaml:"secret"`
	Timeout         time.Duration `yaml:"timeout"`
	RemoteIP        string        `yaml:"remote_ip"`
	MinScore        float64       `yaml:"min_score"`
	MaxChallengeAge time.Duration `yaml:"max_challenge_age"`
	SkewMode        string        `yaml:"skew_mode"`
	AllowedHosts    []string      `yaml:"allowed_hosts"`
	Ignore          bool          `yaml:"ignore"`
}

// GateConfig contains access gate settings
type GateConfig struct {
	// Debug is the permissive fallback returned when verification cannot run.
	Debug         bool     `yaml:"debug"`
	TokenField    string   `yaml:"token_field"`
	MaxBodyBytes  int64    `yaml:"max_body_bytes"`
	ExemptMethods []string `yaml:"exempt_methods"`
}

// MonitoringConfig contains monitoring-related configuration
type MonitoringConfig struct {
	MetricsAddr     string        `yaml:"metrics_addr"`
	MetricsPath     string        `yaml:"metrics_path"`
	HealthCheckPath string        `yaml:"health_check_path"`
	Logging         LoggingConfig `yaml:"logging"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when neither the file nor the
// environment set a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			ShutdownTimeout: 30 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
		},
		Recaptcha: RecaptchaConfig{
			VerifyURL:       "https://www.google.com/recaptcha/api/siteverify",
			Timeout:         60 * time.Second,
			RemoteIP:        "127.0.0.1",
			MinScore:        0.8,
			MaxChallengeAge: 5 * time.Minute,
			SkewMode:        SkewModeAbsolute,
		},
		Gate: GateConfig{
			TokenField:    "retoken",
			MaxBodyBytes:  1 << 20,
			ExemptMethods: []string{"/grpc.health.v1.Health/Check", "/grpc.health.v1.Health/Watch"},
		},
		Monitoring: MonitoringConfig{
			MetricsAddr:     ":9090",
			MetricsPath:     "/metrics",
			HealthCheckPath: "/health",
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	// A missing file is fine, the defaults and environment still apply
	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, config)
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) error {
	// Server configuration
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		config.Server.HTTPAddr = addr
	}
	if addr := os.Getenv("GRPC_ADDR"); addr != "" {
		config.Server.GRPCAddr = addr
	}
	if upstream := os.Getenv("UPSTREAM_URL"); upstream != "" {
		config.Server.UpstreamURL = upstream
	}

	// Recaptcha configuration
	if secret := os.Getenv("RECAPTCHA_SECRET"); secret != "" {
		config.Recaptcha.Secret = secret
	}
	if verifyURL := os.Getenv("RECAPTCHA_VERIFY_URL"); verifyURL != "" {
		config.Recaptcha.VerifyURL = verifyURL
	}
	if hosts := os.Getenv("ALLOWED_HOSTS"); hosts != "" {
		config.Recaptcha.AllowedHosts = splitList(hosts)
	}
	if v := os.Getenv("RECAPTCHA_IGNORE"); v != "" {
		ignore, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RECAPTCHA_IGNORE: %w", err)
		}
		config.Recaptcha.Ignore = ignore
	}

	// Gate configuration
	if v := os.Getenv("GATE_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GATE_DEBUG: %w", err)
		}
		config.Gate.Debug = debug
	}

	// Logging configuration
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.Monitoring.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("LOG_FORMAT"); logFormat != "" {
		config.Monitoring.Logging.Format = logFormat
	}

	// Metrics address
	if metricsAddr := os.Getenv("METRICS_ADDR"); metricsAddr != "" {
		config.Monitoring.MetricsAddr = metricsAddr
	}

	return nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Server.HTTPAddr == "" {
		return fmt.Errorf("http address is required")
	}
	if config.Server.UpstreamURL != "" {
		if _, err := url.ParseRequestURI(config.Server.UpstreamURL); err != nil {
			return fmt.Errorf("invalid upstream url %q: %w", config.Server.UpstreamURL, err)
		}
	}

	// The secret and allow-list are irrelevant when verification is ignored
	if !config.Recaptcha.Ignore {
		if config.Recaptcha.Secret == "" {
			return fmt.Errorf("recaptcha secret is required")
		}
		if len(config.Recaptcha.AllowedHosts) == 0 {
			return fmt.Errorf("at least one allowed host is required")
		}
	}
	if _, err := url.ParseRequestURI(config.Recaptcha.VerifyURL); err != nil {
		return fmt.Errorf("invalid verify url %q: %w", config.Recaptcha.VerifyURL, err)
	}
	if config.Recaptcha.Timeout <= 0 {
		return fmt.Errorf("recaptcha timeout must be positive: %s", config.Recaptcha.Timeout)
	}
	if config.Recaptcha.MaxChallengeAge <= 0 {
		return fmt.Errorf("max challenge age must be positive: %s", config.Recaptcha.MaxChallengeAge)
	}
	if config.Recaptcha.MinScore <= 0 || config.Recaptcha.MinScore > 1 {
		return fmt.Errorf("min score must be within (0, 1]: %v", config.Recaptcha.MinScore)
	}
	switch config.Recaptcha.SkewMode {
	case SkewModeAbsolute, SkewModeOneSided:
	default:
		return fmt.Errorf("unknown skew mode: %q", config.Recaptcha.SkewMode)
	}

	if config.Gate.TokenField == "" {
		return fmt.Errorf("gate token field is required")
	}
	if config.Gate.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive: %d", config.Gate.MaxBodyBytes)
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
