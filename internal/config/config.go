// Package config builds the single forge configuration from defaults, an
// optional config file and FORGE_* environment variables. Command-line flags
// are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/orizon-lang/forge/internal/exception"
)

// ExecMode selects how a command implementation is run.
type ExecMode string

const (
	// ExecIsolated runs the implementation in a child process.
	ExecIsolated ExecMode = "isolated"
	// ExecInProcess runs the implementation inside the forge process.
	ExecInProcess ExecMode = "in-process"
)

const (
	// DefaultHome is the cache home below the user's home directory.
	DefaultHome = ".forge"
	// DefaultConfigFile is looked up inside HomePath.
	DefaultConfigFile = "config.toml"
	// LevelVerbose is accepted as an alias of debug.
	LevelVerbose = "verbose"
)

// Environment variables read by Load.
const (
	EnvHome           = "FORGE_HOME"
	EnvConfig         = "FORGE_CONFIG"
	EnvTargetPath     = "FORGE_TARGET_PATH"
	EnvPackageVersion = "FORGE_PACKAGE_VERSION"
	EnvLogLevel       = "FORGE_LOG_LEVEL"
	EnvRegistry       = "FORGE_REGISTRY"
	EnvRegistryToken  = "FORGE_REGISTRY_TOKEN"
	EnvOfficial       = "FORGE_OFFICIAL_REGISTRY"
	EnvHTTP3          = "FORGE_REGISTRY_HTTP3"
	EnvExecMode       = "FORGE_EXEC_MODE"
	EnvCheckUpdate    = "FORGE_CHECK_UPDATE"
	EnvMaxConcurrency = "FORGE_MAX_CONCURRENCY"
)

// Config is built once at startup and passed to every constructor.
type Config struct {
	// UserHome is the user's home directory; empty when it cannot be determined.
	UserHome string `toml:"-" yaml:"-"`
	// HomePath is UserHome joined with FORGE_HOME (default .forge).
	HomePath string `toml:"-" yaml:"-"`
	// File is the config file that was loaded, if any.
	File string `toml:"-" yaml:"-"`

	TargetPath          string   `toml:"target_path,omitempty" yaml:"target_path,omitempty"`
	PackageVersion      string   `toml:"package_version,omitempty" yaml:"package_version,omitempty"`
	LogLevel            string   `toml:"log_level,omitempty" yaml:"log_level,omitempty"`
	Registry            string   `toml:"registry,omitempty" yaml:"registry,omitempty"`
	RegistryToken       string   `toml:"registry_token,omitempty" yaml:"registry_token,omitempty"`
	UseOfficialRegistry bool     `toml:"use_official_registry" yaml:"use_official_registry"`
	RegistryHTTP3       bool     `toml:"registry_http3" yaml:"registry_http3"`
	ExecMode            ExecMode `toml:"exec_mode,omitempty" yaml:"exec_mode,omitempty"`
	CheckUpdate         bool     `toml:"check_update" yaml:"check_update"`
	MaxConcurrency      int      `toml:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
}

// LoadOptions replaces the process environment in tests.
type LoadOptions struct {
	Getenv      func(string) string
	UserHomeDir func() (string, error)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: logrus.InfoLevel.String(),
		ExecMode: ExecIsolated,
	}
}

// Load reads the configuration. A missing config file is not an error.
func Load(opts LoadOptions) (*Config, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	homeDir := opts.UserHomeDir
	if homeDir == nil {
		homeDir = os.UserHomeDir
	}

	cfg := Default()

	if home, err := homeDir(); err == nil && home != "" {
		cfg.UserHome = home

		sub := strings.TrimSpace(getenv(EnvHome))
		if sub == "" {
			sub = DefaultHome
		}

		cfg.HomePath = filepath.Join(home, sub)
	}

	path := strings.TrimSpace(getenv(EnvConfig))
	if path == "" && cfg.HomePath != "" {
		path = filepath.Join(cfg.HomePath, DefaultConfigFile)
	}

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	if cfg.TargetPath != "" {
		cfg.TargetPath = absPath(cfg.TargetPath)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return exception.Wrap(exception.KindConfiguration, err, "cannot read config file %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = toml.Unmarshal(data, c)
	}

	if err != nil {
		return exception.Wrap(exception.KindConfiguration, err, "cannot parse config file %s", path)
	}

	c.File = path

	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	boolean := func(key string, dst *bool) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}

		b, err := strconv.ParseBool(v)
		if err != nil {
			return exception.Wrap(exception.KindConfiguration, err, "%s must be a boolean", key)
		}

		*dst = b

		return nil
	}

	str(EnvTargetPath, &c.TargetPath)
	str(EnvPackageVersion, &c.PackageVersion)
	str(EnvLogLevel, &c.LogLevel)
	str(EnvRegistry, &c.Registry)
	str(EnvRegistryToken, &c.RegistryToken)

	if v := strings.TrimSpace(getenv(EnvExecMode)); v != "" {
		c.ExecMode = ExecMode(v)
	}

	for key, dst := range map[string]*bool{EnvOfficial: &c.UseOfficialRegistry, EnvHTTP3: &c.RegistryHTTP3, EnvCheckUpdate: &c.CheckUpdate} {
		if err := boolean(key, dst); err != nil {
			return err
		}
	}

	if v := strings.TrimSpace(getenv(EnvMaxConcurrency)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return exception.Wrap(exception.KindConfiguration, err, "%s must be an integer", EnvMaxConcurrency)
		}

		c.MaxConcurrency = n
	}

	return nil
}

// SetTargetPath applies a --target-path flag.
func (c *Config) SetTargetPath(p string) {
	if p != "" {
		c.TargetPath = absPath(p)
	}
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	switch c.ExecMode {
	case ExecIsolated, ExecInProcess:
	default:
		return exception.New(exception.KindConfiguration, "unknown exec mode %q (want %q or %q)", c.ExecMode, ExecIsolated, ExecInProcess)
	}

	if c.TargetPath != "" && !filepath.IsAbs(c.TargetPath) {
		return exception.New(exception.KindConfiguration, "target path must be absolute: %s", c.TargetPath)
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return exception.Wrap(exception.KindConfiguration, err, "invalid log level")
	}

	if c.Registry != "" {
		u, err := url.Parse(c.Registry)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return exception.New(exception.KindConfiguration, "invalid registry URL %q", c.Registry)
		}
	}

	if c.MaxConcurrency < 0 {
		return exception.New(exception.KindConfiguration, "max concurrency must not be negative: %d", c.MaxConcurrency)
	}

	return nil
}

// CheckHome fails when no user home directory is available.
func (c *Config) CheckHome() error {
	if c.UserHome == "" {
		return exception.New(exception.KindConfiguration, "current user has no home directory")
	}

	if fi, err := os.Stat(c.UserHome); err != nil || !fi.IsDir() {
		return exception.New(exception.KindConfiguration, "home directory %s does not exist", c.UserHome)
	}

	return nil
}

// ParseLevel parses a log level name, accepting verbose as debug.
func ParseLevel(name string) (logrus.Level, error) {
	if strings.EqualFold(strings.TrimSpace(name), LevelVerbose) {
		return logrus.DebugLevel, nil
	}

	lvl, err := logrus.ParseLevel(strings.TrimSpace(name))
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}

	return lvl, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}

	return p
}
