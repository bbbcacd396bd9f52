package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every configuration problem reported by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Load reads and parses a configuration file at path. Files ending in .toml
// are parsed as TOML, anything else as YAML.
// If path does not exist or is empty, it returns an empty Config with no errors.
// If the file is malformed, it returns nil config with a parse error.
// API proxy entries that fail validation are stripped from the returned
// config and reported as errors.
func Load(path string) (*Config, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, []error{fmt.Errorf("failed to read config file: %w", err)}
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return &Config{}, nil
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, []error{fmt.Errorf("failed to parse config TOML: %w", err)}
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, []error{fmt.Errorf("failed to parse config YAML: %w", err)}
		}
	}

	var validationErrors []error

	if len(cfg.APIProxy) > 0 {
		valid := make(map[string]string, len(cfg.APIProxy))
		for prefix, target := range cfg.APIProxy {
			if err := validateProxyEntry(prefix, target); err != nil {
				validationErrors = append(validationErrors, err)
				continue
			}
			valid[prefix] = target
		}
		cfg.APIProxy = valid
	}

	if cfg.Mode != "" {
		mode, err := NormalizeMode(cfg.Mode)
		if err != nil {
			validationErrors = append(validationErrors, fmt.Errorf("mode: %w", err))
		}
		cfg.Mode = mode
	}

	return &cfg, validationErrors
}

// NormalizeMode maps the accepted spellings onto ModeStatic or ModeDev.
// "prod" and "devProxy" are accepted for compatibility with older setups.
func NormalizeMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "static", "prod", "production":
		return ModeStatic, nil
	case "dev", "devproxy", "development":
		return ModeDev, nil
	default:
		return "", fmt.Errorf("unsupported mode %q: must be \"static\" or \"dev\"", mode)
	}
}

func validateProxyEntry(prefix, target string) error {
	if strings.Trim(strings.TrimSpace(prefix), "/") == "" {
		return fmt.Errorf("apiProxy[%q]: prefix must not be empty or \"/\"", prefix)
	}
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return fmt.Errorf("apiProxy[%q]: invalid target URL: %w", prefix, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("apiProxy[%q]: target must be an absolute http(s) URL, got %q", prefix, target)
	}
	return nil
}

// Validate checks a fully merged configuration. Every problem is reported;
// the returned error wraps ErrInvalid.
func Validate(cfg *Config) error {
	var errs []error

	mode, err := NormalizeMode(cfg.Mode)
	if err != nil {
		errs = append(errs, fmt.Errorf("mode: %w", err))
	}

	switch mode {
	case ModeStatic:
		if cfg.DevSourceRoot != "" {
			errs = append(errs, errors.New("devSourceRoot: cannot be combined with static mode"))
		}
		if err := requireDir("staticRoot", cfg.StaticRoot); err != nil {
			errs = append(errs, err)
		}
	case ModeDev:
		if cfg.StaticRoot != "" {
			errs = append(errs, errors.New("staticRoot: cannot be combined with dev mode"))
		}
		if err := requireDir("devSourceRoot", cfg.DevSourceRoot); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.DevServer.Port < 1 || cfg.DevServer.Port > 65535 {
		errs = append(errs, fmt.Errorf("devServer.port: must be between 1 and 65535, got %d", cfg.DevServer.Port))
	}
	if _, err := positiveDuration(cfg.ProxyTimeout); err != nil {
		errs = append(errs, fmt.Errorf("proxyTimeout: %w", err))
	}
	if _, err := positiveDuration(cfg.DevServer.StopTimeout); err != nil {
		errs = append(errs, fmt.Errorf("devServer.stopTimeout: %w", err))
	}
	for prefix, target := range cfg.APIProxy {
		if err := validateProxyEntry(prefix, target); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	cfg.Mode = mode
	return nil
}

func requireDir(field, path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%s: required field missing", field)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %q is not a directory", field, path)
	}
	return nil
}

func positiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %q", s)
	}
	return d, nil
}

// ProxyTimeoutDuration returns the parsed proxy timeout. Call after Validate.
func (c *Config) ProxyTimeoutDuration() time.Duration {
	d, err := positiveDuration(c.ProxyTimeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultProxyTimeout)
	}
	return d
}

// StopTimeoutDuration returns the parsed dev server stop timeout. Call after Validate.
func (c *Config) StopTimeoutDuration() time.Duration {
	d, err := positiveDuration(c.DevServer.StopTimeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultStopTimeout)
	}
	return d
}
