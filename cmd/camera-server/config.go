package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type appConfig struct {
	listenAddr      string
	backend         string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	clientReadTO    time.Duration
	maxClients      int
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	configFile      string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":15099", "TCP listen address")
	backend := flag.String("backend", "sim", "Camera backend: sim|serial (default sim)")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (when --backend=serial)")
	baud := flag.Int("baud", 921600, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline (0 = unlimited)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default camera-server-<hostname>)")
	configFile := flag.String("config", "", "Optional YAML config file (flags and env override it)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env
	// and config-file values.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.listenAddr = *listen
	cfg.backend = *backend
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.clientReadTO = *clientReadTO
	cfg.maxClients = *maxClients
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.configFile = *configFile

	// A local .env can seed the CAMERA_SERVER_* overrides.
	_ = godotenv.Load()

	if cfg.configFile != "" {
		if err := applyFileConfig(cfg, cfg.configFile, setFlags); err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "sim", "serial":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.clientReadTO < 0 {
		return fmt.Errorf("client-read-timeout must be >= 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	return nil
}

// fileConfig is the YAML shape of the optional -config file.
type fileConfig struct {
	Listen    string `yaml:"listen"`
	Backend   string `yaml:"backend"`
	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`
	Metrics   string `yaml:"metrics_addr"`

	ClientReadTimeout  string `yaml:"client_read_timeout"`
	MaxClients         *int   `yaml:"max_clients"`
	LogMetricsInterval string `yaml:"log_metrics_interval"`

	Serial struct {
		Device      string `yaml:"device"`
		Baud        int    `yaml:"baud"`
		ReadTimeout string `yaml:"read_timeout"`
	} `yaml:"serial"`

	MDNS struct {
		Enable *bool  `yaml:"enable"`
		Name   string `yaml:"name"`
	} `yaml:"mdns"`
}

// applyFileConfig layers YAML values under explicitly-set flags; env
// overrides are applied afterwards and win over the file.
func applyFileConfig(c *appConfig, path string, set map[string]struct{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	unset := func(name string) bool { _, ok := set[name]; return !ok }
	if unset("listen") && fc.Listen != "" {
		c.listenAddr = fc.Listen
	}
	if unset("backend") && fc.Backend != "" {
		c.backend = fc.Backend
	}
	if unset("log-format") && fc.LogFormat != "" {
		c.logFormat = fc.LogFormat
	}
	if unset("log-level") && fc.LogLevel != "" {
		c.logLevel = fc.LogLevel
	}
	if unset("metrics-addr") && fc.Metrics != "" {
		c.metricsAddr = fc.Metrics
	}
	if unset("client-read-timeout") && fc.ClientReadTimeout != "" {
		d, err := time.ParseDuration(fc.ClientReadTimeout)
		if err != nil {
			return fmt.Errorf("client_read_timeout: %w", err)
		}
		c.clientReadTO = d
	}
	if unset("max-clients") && fc.MaxClients != nil {
		c.maxClients = *fc.MaxClients
	}
	if unset("log-metrics-interval") && fc.LogMetricsInterval != "" {
		d, err := time.ParseDuration(fc.LogMetricsInterval)
		if err != nil {
			return fmt.Errorf("log_metrics_interval: %w", err)
		}
		c.logMetricsEvery = d
	}
	if unset("serial") && fc.Serial.Device != "" {
		c.serialDev = fc.Serial.Device
	}
	if unset("baud") && fc.Serial.Baud > 0 {
		c.baud = fc.Serial.Baud
	}
	if unset("serial-read-timeout") && fc.Serial.ReadTimeout != "" {
		d, err := time.ParseDuration(fc.Serial.ReadTimeout)
		if err != nil {
			return fmt.Errorf("serial read_timeout: %w", err)
		}
		c.serialReadTO = d
	}
	if unset("mdns-enable") && fc.MDNS.Enable != nil {
		c.mdnsEnable = *fc.MDNS.Enable
	}
	if unset("mdns-name") && fc.MDNS.Name != "" {
		c.mdnsName = fc.MDNS.Name
	}
	return nil
}

// applyEnvOverrides maps CAMERA_SERVER_* environment variables to config
// fields unless a corresponding flag was explicitly set. Empty values are
// ignored, except CAMERA_SERVER_METRICS, where an empty value clears the
// metrics address. Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["listen"]; !ok {
		if v, ok := get("CAMERA_SERVER_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["backend"]; !ok {
		if v, ok := get("CAMERA_SERVER_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("CAMERA_SERVER_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("CAMERA_SERVER_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAMERA_SERVER_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("CAMERA_SERVER_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAMERA_SERVER_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CAMERA_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CAMERA_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAMERA_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("CAMERA_SERVER_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.clientReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAMERA_SERVER_CLIENT_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("CAMERA_SERVER_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAMERA_SERVER_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CAMERA_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAMERA_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CAMERA_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CAMERA_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
