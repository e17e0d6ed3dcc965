// Package config holds the wschan server configuration and the layering of
// defaults, YAML file, environment variables and command line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the TCP port used when none is configured.
const DefaultPort = 1338

// ServerConfig holds configuration for the wschan server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	MaxSize         int           `yaml:"max_size"`
	ReadLimit       int64         `yaml:"read_limit"`
	CloseCode       int           `yaml:"close_code"`
	CloseReason     string        `yaml:"close_reason"`
	Greeting        string        `yaml:"greeting"`
	CloseAfter      time.Duration `yaml:"close_after"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	LogLevel        string        `yaml:"log_level"`
	ConfigFile      string        `yaml:"-"`
	RedisAddr       string        `yaml:"redis_addr"`
	FanoutTopic     string        `yaml:"fanout_topic"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ReusePort       bool          `yaml:"reuse_port"`
}

// SetDefaults initializes unset fields with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.CloseCode == 0 {
		c.CloseCode = 1001
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.FanoutTopic == "" {
		c.FanoutTopic = "wschan:broadcast"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("server.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := GetEnv("MAX_SIZE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSize = n
		}
	}
	if v := GetEnv("READ_LIMIT", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.ReadLimit = n
		}
	}
	if v := GetEnv("GREETING", ""); v != "" {
		c.Greeting = v
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("FANOUT_TOPIC", ""); v != "" {
		c.FanoutTopic = v
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("REUSE_PORT", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ReusePort = b
		}
	}
	if v := GetEnv("SHUTDOWN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ShutdownTimeout = d
		}
	}
}

// BindFlags binds command line flags on fs using the current values as
// defaults, so callers run SetDefaults, LoadFile and ApplyEnv first.
func (c *ServerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "TCP listen port; a positional port argument overrides it")
	fs.IntVar(&c.MaxSize, "max-size", c.MaxSize, "largest outbound frame payload in bytes; 0 leaves messages unfragmented")
	fs.Int64Var(&c.ReadLimit, "read-limit", c.ReadLimit, "largest accepted inbound frame payload in bytes; 0 for no limit")
	fs.IntVar(&c.CloseCode, "close-code", c.CloseCode, "status code sent to clients on shutdown")
	fs.StringVar(&c.CloseReason, "close-reason", c.CloseReason, "reason sent to clients on shutdown")
	fs.StringVar(&c.Greeting, "greeting", c.Greeting, "text message sent to every new connection")
	fs.DurationVar(&c.CloseAfter, "close-after", c.CloseAfter, "close the server with 1000 \"Done\" after this long; 0 to run until signalled")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "time allowed for graceful shutdown")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state and broadcast fan-out")
	fs.StringVar(&c.FanoutTopic, "fanout-topic", c.FanoutTopic, "redis pub/sub channel used for cross-instance broadcast")
	fs.BoolVar(&c.ReusePort, "reuse-port", c.ReusePort, "set SO_REUSEPORT on the listener")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// ParsePortArg applies a positional port argument, if any, to c.
func (c *ServerConfig) ParsePortArg(args []string) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) > 1 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(args[1:], " "))
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", args[0])
	}
	c.Port = n
	return nil
}

// Addr returns the main listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SeparateMetrics reports whether metrics are served on their own listener.
// An empty MetricsAddr means the main port.
func (c *ServerConfig) SeparateMetrics() bool {
	return c.MetricsAddr != "" && c.MetricsAddr != c.Addr()
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
