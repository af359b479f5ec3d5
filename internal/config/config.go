package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/nodeactuator/internal/env"
	"github.com/loykin/nodeactuator/internal/logger"
	"github.com/loykin/nodeactuator/internal/worker"
)

// EnvPrefix prefixes environment overrides, e.g. NODE_ACTUATOR_SERVER_LISTEN.
const EnvPrefix = "NODE_ACTUATOR"

// Config represents the top-level TOML structure.
type Config struct {
	Env      []string       `mapstructure:"env"`
	EnvFiles []string       `mapstructure:"env_files"`
	UseOSEnv bool           `mapstructure:"use_os_env"`
	Log      logger.Options `mapstructure:"log"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	DNS      DNSConfig      `mapstructure:"dns"`
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	History  HistoryConfig  `mapstructure:"history"`
}

type WorkerConfig struct {
	Name    string   `mapstructure:"name"`
	Command string   `mapstructure:"command"`
	WorkDir string   `mapstructure:"workdir"`
	Env     []string `mapstructure:"env"`
	// Match identifies the worker among host processes. A bare name is compared
	// with the process name and executable base name only; a value with spaces
	// or a path separator is matched as a command line substring, and then any
	// process mentioning it (tail -f /path/node.log) counts as the worker.
	Match             string        `mapstructure:"match"`
	AdoptPollInterval time.Duration `mapstructure:"adopt_poll_interval"`
	Log               logger.Config `mapstructure:"log"`
}

type DNSConfig struct {
	StatusCommand  string `mapstructure:"status_command"`
	RevertCommand  string `mapstructure:"revert_command"`
	SubvertCommand string `mapstructure:"subvert_command"`
	// DryRun swaps the commands for an in-memory provider.
	DryRun bool `mapstructure:"dry_run"`
}

type ServerConfig struct {
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the API over HTTPS. Explicit cert/key files win over Dir,
// where tls.crt and tls.key are looked up (and generated when AutoGenerate is set).
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"` // 1.2|1.3
	DNSNames     []string `mapstructure:"dns_names"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type HistoryConfig struct {
	DSN  string   `mapstructure:"dsn"`
	DSNs []string `mapstructure:"dsns"`
}

// Targets returns every configured history DSN.
func (h HistoryConfig) Targets() []string {
	var out []string
	for _, d := range append([]string{h.DSN}, h.DSNs...) {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.file", "")
	v.SetDefault("worker.name", "SubstratumNode")
	v.SetDefault("worker.command", "")
	v.SetDefault("worker.workdir", "")
	v.SetDefault("worker.match", "")
	v.SetDefault("worker.env", []string{})
	v.SetDefault("worker.adopt_poll_interval", "1s")
	v.SetDefault("dns.status_command", "")
	v.SetDefault("dns.revert_command", "")
	v.SetDefault("dns.subvert_command", "")
	v.SetDefault("dns.dry_run", false)
	v.SetDefault("server.listen", "127.0.0.1:8089")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("history.dsn", "")
}

// Load reads the TOML file at path (may be empty for defaults plus environment)
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Worker.Match == "" {
		c.Worker.Match = c.Worker.Name
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Worker.Command) == "" {
		errs = append(errs, errors.New("worker.command is required"))
	}
	if strings.TrimSpace(c.Worker.Match) == "" {
		errs = append(errs, errors.New("worker.match is required"))
	}
	if c.Worker.AdoptPollInterval < 0 {
		errs = append(errs, errors.New("worker.adopt_poll_interval must not be negative"))
	}
	if !c.DNS.DryRun {
		for key, val := range map[string]string{
			"dns.status_command":  c.DNS.StatusCommand,
			"dns.revert_command":  c.DNS.RevertCommand,
			"dns.subvert_command": c.DNS.SubvertCommand,
		} {
			if strings.TrimSpace(val) == "" {
				errs = append(errs, fmt.Errorf("%s is required unless dns.dry_run is set", key))
			}
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if !logger.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/': %q", bp))
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls.cert_file and server.tls.key_file must be set together"))
	}
	if t := c.Server.TLS; t.Enabled && t.CertFile == "" && t.Dir == "" {
		errs = append(errs, errors.New("server.tls needs cert_file/key_file or dir"))
	}
	return errors.Join(errs...)
}

// GlobalEnv builds the base environment: the OS environment when use_os_env is
// set, then env_files in order, then the top-level env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e = env.FromOS()
	}
	for _, p := range c.EnvFiles {
		m, err := env.LoadFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range m {
			e = e.WithSet(k, v)
		}
	}
	return e.WithPairs(c.Env), nil
}

// WorkerSpec resolves the worker launch description including its merged environment.
func (c *Config) WorkerSpec() (worker.Spec, error) {
	g, err := c.GlobalEnv()
	if err != nil {
		return worker.Spec{}, err
	}
	return worker.Spec{
		Name:    c.Worker.Name,
		Command: c.Worker.Command,
		WorkDir: c.Worker.WorkDir,
		Env:     g.Merge(c.Worker.Env),
		Log:     c.Worker.Log,
	}, nil
}

// DNSEnv is the environment DNS commands run with.
func (c *Config) DNSEnv() ([]string, error) {
	g, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	return g.Merge(nil), nil
}
