package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/ospreyproxy/osprey/internal/capture"
	"github.com/ospreyproxy/osprey/internal/cert"
	"github.com/ospreyproxy/osprey/internal/dnsx"
	"github.com/ospreyproxy/osprey/internal/logging"
)

// ProxyConfig contains listener and forwarding settings.
type ProxyConfig struct {
	ListenAddr         string `json:"listen_addr"`
	ClientIdleSeconds  int    `json:"client_idle_seconds"`
	ServerIdleSeconds  int    `json:"server_idle_seconds"`
	DialTimeoutSeconds int    `json:"dial_timeout_seconds"`
	VerifyUpstream     bool   `json:"verify_upstream"`
	Workers            int    `json:"workers"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	LogFile     string `json:"log_file"`
	Level       string `json:"level"`
	EnableDebug bool   `json:"enable_debug"`
}

// FiltersConfig lists the built-in filter inputs.
type FiltersConfig struct {
	BlockHosts   []string `json:"block_hosts"`
	BlockClients []string `json:"block_clients"`
}

// Config is the main configuration structure.
type Config struct {
	Proxy    ProxyConfig    `json:"proxy"`
	Logging  LoggingConfig  `json:"logging"`
	Cert     cert.Config    `json:"cert"`
	Resolver dnsx.Config    `json:"resolver"`
	Capture  capture.Config `json:"capture"`
	Filters  FiltersConfig  `json:"filters"`

	// WarmupHosts are minted into the certificate cache at startup.
	WarmupHosts []string `json:"warmup_hosts"`
}

// SetDefaults applies default values to the configuration.
func (c *Config) SetDefaults() {
	if c.Proxy.ListenAddr == "" {
		c.Proxy.ListenAddr = ":7077"
	}
	if c.Proxy.ClientIdleSeconds == 0 {
		c.Proxy.ClientIdleSeconds = 60
	}
	if c.Proxy.ServerIdleSeconds == 0 {
		c.Proxy.ServerIdleSeconds = 15
	}
	if c.Proxy.DialTimeoutSeconds == 0 {
		c.Proxy.DialTimeoutSeconds = 10
	}
	if c.Proxy.Workers == 0 {
		c.Proxy.Workers = 8
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Cert.CertDir == "" {
		c.Cert.CertDir = "certs"
	}
	if c.Cert.RSABits == 0 {
		c.Cert.RSABits = 2048
	}
	if c.Cert.DHBits == 0 {
		c.Cert.DHBits = 2048
	}

	if c.Resolver.TimeoutSeconds == 0 {
		c.Resolver.TimeoutSeconds = 5
	}

	if c.Capture.Enabled && c.Capture.Dir == "" {
		c.Capture.Dir = "captures"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateProxy(); err != nil {
		return fmt.Errorf("proxy config validation failed: %w", err)
	}
	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}
	if err := c.validateCert(); err != nil {
		return fmt.Errorf("cert config validation failed: %w", err)
	}
	if err := c.validateResolver(); err != nil {
		return fmt.Errorf("resolver config validation failed: %w", err)
	}
	return nil
}

func (c *Config) validateProxy() error {
	if c.Proxy.ListenAddr == "" {
		return fmt.Errorf("proxy listen_addr is required")
	}
	if err := validateNetworkAddress(c.Proxy.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr: %w", err)
	}
	if c.Proxy.ClientIdleSeconds <= 0 {
		return fmt.Errorf("client_idle_seconds must be positive, got %d", c.Proxy.ClientIdleSeconds)
	}
	if c.Proxy.ServerIdleSeconds <= 0 {
		return fmt.Errorf("server_idle_seconds must be positive, got %d", c.Proxy.ServerIdleSeconds)
	}
	if c.Proxy.DialTimeoutSeconds <= 0 {
		return fmt.Errorf("dial_timeout_seconds must be positive, got %d", c.Proxy.DialTimeoutSeconds)
	}
	if c.Proxy.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Proxy.Workers)
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Logging.LogFile != "" && strings.Contains(c.Logging.LogFile, "\x00") {
		return fmt.Errorf("invalid log_file path")
	}
	return nil
}

func (c *Config) validateCert() error {
	if c.Cert.CertDir == "" {
		return fmt.Errorf("cert_dir is required")
	}
	if c.Cert.RSABits < 1024 {
		return fmt.Errorf("rsa_bits must be at least 1024, got %d", c.Cert.RSABits)
	}
	if c.Cert.DHBits < 512 {
		return fmt.Errorf("dh_bits must be at least 512, got %d", c.Cert.DHBits)
	}
	return nil
}

func (c *Config) validateResolver() error {
	if c.Resolver.Upstream != "" {
		if err := validateNetworkAddress(c.Resolver.Upstream); err != nil {
			return fmt.Errorf("invalid resolver upstream: %w", err)
		}
	}
	if c.Resolver.TimeoutSeconds <= 0 {
		return fmt.Errorf("resolver timeout_seconds must be positive, got %d", c.Resolver.TimeoutSeconds)
	}
	return nil
}

// LogLevel maps the configured level name onto the logging package.
func (c *Config) LogLevel() (logging.Level, error) {
	switch strings.ToLower(c.Logging.Level) {
	case "", "info":
		return logging.LevelInfo, nil
	case "error":
		return logging.LevelError, nil
	case "warn", "warning":
		return logging.LevelWarn, nil
	case "debug":
		return logging.LevelDebug, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
}

// validateNetworkAddress validates host:port format.
func validateNetworkAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("address must be host:port (e.g. ':7077' or '127.0.0.1:7077'): %w", err)
	}
	return nil
}
