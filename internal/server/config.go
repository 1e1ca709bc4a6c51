package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/psoc-bridge/internal/binder"
	"github.com/shaunagostinho/psoc-bridge/internal/can"
	"github.com/shaunagostinho/psoc-bridge/internal/echo"
	"github.com/shaunagostinho/psoc-bridge/internal/logger"
)

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	// USB identity, role patterns and binding policy
	Device DeviceConfig `yaml:"device" json:"device"`

	// CAN listener timing
	CAN CANConfig `yaml:"can" json:"can"`

	// CDC serial echo path
	Serial SerialConfig `yaml:"serial" json:"serial"`

	Echo EchoConfig `yaml:"echo" json:"echo"`

	// Traffic capture
	Logging logger.Config `yaml:"logging" json:"logging"`

	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type EndpointPair struct {
	In  uint8 `yaml:"in" json:"in"`
	Out uint8 `yaml:"out" json:"out"`
}

type DeviceConfig struct {
	VendorID            uint16       `yaml:"vendor_id" json:"vendorId"`
	ProductID           uint16       `yaml:"product_id" json:"productId"`
	CommandPattern      string       `yaml:"command_pattern" json:"commandPattern"` // case-insensitive substring of the interface name
	CANPattern          string       `yaml:"can_pattern" json:"canPattern"`
	CommandEndpoints    EndpointPair `yaml:"command_endpoints" json:"commandEndpoints"`
	CANEndpoints        EndpointPair `yaml:"can_endpoints" json:"canEndpoints"`
	CommandTimeoutMs    int          `yaml:"command_timeout_ms" json:"commandTimeoutMs"`
	SettleDelayMs       int          `yaml:"settle_delay_ms" json:"settleDelayMs"`
	ReconcileIntervalMs int          `yaml:"reconcile_interval_ms" json:"reconcileIntervalMs"`
	Hotplug             string       `yaml:"hotplug" json:"hotplug"` // "auto", "netlink", "poll" or "disabled"
}

type CANConfig struct {
	PollTimeoutMs  int `yaml:"poll_timeout_ms" json:"pollTimeoutMs"`
	WriteTimeoutMs int `yaml:"write_timeout_ms" json:"writeTimeoutMs"`
	ErrorPauseMs   int `yaml:"error_pause_ms" json:"errorPauseMs"`
	StopGraceMs    int `yaml:"stop_grace_ms" json:"stopGraceMs"`
}

type SerialConfig struct {
	PortPath  string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyACM0
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"`
}

type EchoConfig struct {
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	Payload    string `yaml:"payload" json:"payload"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			VendorID:            0x04B4,
			ProductID:           0xF001,
			CommandPattern:      "asa usb bulk",
			CANPattern:          "asa usb CAN",
			CommandEndpoints:    EndpointPair{In: 0x82, Out: 0x01},
			CANEndpoints:        EndpointPair{In: 0x86, Out: 0x07},
			CommandTimeoutMs:    1000,
			SettleDelayMs:       750,
			ReconcileIntervalMs: 3000,
			Hotplug:             "auto",
		},
		CAN: CANConfig{
			PollTimeoutMs:  50,
			WriteTimeoutMs: 500,
			ErrorPauseMs:   100,
			StopGraceMs:    500,
		},
		Serial: SerialConfig{
			PortPath:  "/dev/ttyACM0",
			BaudRate:  115200,
			TimeoutMs: 200,
		},
		Echo: EchoConfig{
			IntervalMs: 100,
			Payload:    "Default USB Echo Data",
		},
		Logging: logger.Config{
			Enabled: false,
			Path:    "/var/log/psoc-bridge",
			Format:  logger.FormatCSV,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func parseID(v string) (uint16, bool) {
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(v), "0x"), 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: USB_VID, USB_PID (hex), HOTPLUG, SERIAL_PORT, SERIAL_BAUD,
// LISTEN_ADDR, LOG_ENABLED, LOG_PATH, LOG_FORMAT
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("USB_VID"); v != "" {
		if id, ok := parseID(v); ok {
			c.Device.VendorID = id
		}
	}
	if v := os.Getenv("USB_PID"); v != "" {
		if id, ok := parseID(v); ok {
			c.Device.ProductID = id
		}
	}
	if v := os.Getenv("HOTPLUG"); v != "" {
		c.Device.Hotplug = v
	}
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/psoc-bridge/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// BinderConfig converts the device and CAN sections for the binder.
func (c *Config) BinderConfig() binder.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.Device
	return binder.Config{
		Vendor:            d.VendorID,
		Product:           d.ProductID,
		CommandPattern:    d.CommandPattern,
		CANPattern:        d.CANPattern,
		CommandEndpoints:  binder.Endpoints{In: d.CommandEndpoints.In, Out: d.CommandEndpoints.Out},
		CANEndpoints:      binder.Endpoints{In: d.CANEndpoints.In, Out: d.CANEndpoints.Out},
		CommandTimeout:    ms(d.CommandTimeoutMs),
		SettleDelay:       ms(d.SettleDelayMs),
		ReconcileInterval: ms(d.ReconcileIntervalMs),
		CAN: can.Config{
			PollTimeout:  ms(c.CAN.PollTimeoutMs),
			WriteTimeout: ms(c.CAN.WriteTimeoutMs),
			ErrorPause:   ms(c.CAN.ErrorPauseMs),
			StopGrace:    ms(c.CAN.StopGraceMs),
		},
	}
}

// SerialEchoConfig returns the serial section for the echo path.
func (c *Config) SerialEchoConfig() echo.SerialConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return echo.SerialConfig{
		PortPath: c.Serial.PortPath,
		BaudRate: c.Serial.BaudRate,
		Timeout:  ms(c.Serial.TimeoutMs),
	}
}

// EchoDefaults returns the echo interval and payload.
func (c *Config) EchoDefaults() (time.Duration, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ms(c.Echo.IntervalMs), c.Echo.Payload
}

// LoggerConfig returns the logging section.
func (c *Config) LoggerConfig() logger.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.ListenAddr
}

// HotplugMode returns the configured hotplug source.
func (c *Config) HotplugMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Device.Hotplug
}

// SetLoggingEnabled records a runtime logging toggle.
func (c *Config) SetLoggingEnabled(on bool) {
	c.mu.Lock()
	c.Logging.Enabled = on
	c.mu.Unlock()
}
