package config

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jwoglom/wasmgw/pkg/transport"
)

// Config holds the gateway configuration
type Config struct {
	// Listen is the address of the JSON request listener
	Listen Listen `yaml:"listen"`

	// HTTPListen is the address of the HTTP/WebSocket API, empty to disable
	HTTPListen string `yaml:"http_listen"`

	// Devices maps device names used by clients to endpoint descriptors
	Devices map[string]Device `yaml:"devices"`

	Serial   Serial   `yaml:"serial"`
	Timeouts Timeouts `yaml:"timeouts"`

	// ExclusiveDeviceAccess serializes operations per device endpoint
	ExclusiveDeviceAccess bool `yaml:"exclusive_device_access"`

	Build Build `yaml:"build"`

	// Logging configuration
	LogLevel string `yaml:"log_level"`
}

// Listen is a host/port pair
type Listen struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns host:port
func (l Listen) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// Device is one entry of the device table
type Device struct {
	// Endpoint is "tcp:<host>:<port>", "tcp:<port>" or a serial device path
	Endpoint string `yaml:"endpoint"`

	// BaudRate overrides the serial default for this device
	BaudRate int `yaml:"baud_rate,omitempty"`
}

// Serial holds the line settings used for every serial device
type Serial struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits string `yaml:"stop_bits"`
}

// Timeouts are the deadlines of the gateway and the device exchanges
type Timeouts struct {
	Ack         time.Duration `yaml:"ack"`
	Status      time.Duration `yaml:"status"`
	Result      time.Duration `yaml:"result"`
	RequestRead time.Duration `yaml:"request_read"`
	Dial        time.Duration `yaml:"dial"`
}

// Build configures the source-to-module pipeline
type Build struct {
	ClangCmd      string        `yaml:"clang_cmd"`
	WasmTarget    string        `yaml:"wasm_target"`
	WamrcCmd      string        `yaml:"wamrc_cmd"`
	AOTTarget     string        `yaml:"aot_target"`
	AOTCPU        string        `yaml:"aot_cpu"`
	AOTABI        string        `yaml:"aot_abi"`
	WorkDir       string        `yaml:"work_dir"`
	KeepArtifacts bool          `yaml:"keep_artifacts"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultDevices is the device table used when none is configured
func DefaultDevices() map[string]Device {
	return map[string]Device{
		"nucleo": {Endpoint: "COM3"},
		"disco":  {Endpoint: "tcp:localhost:3456"},
	}
}

// Default returns the configuration used without a config file
func Default() *Config {
	return &Config{
		Listen: Listen{
			Host: "0.0.0.0",
			Port: 9000,
		},
		Devices: DefaultDevices(),
		Serial: Serial{
			BaudRate: transport.DefaultBaudRate,
			DataBits: 8,
			Parity:   "None",
			StopBits: "One",
		},
		Timeouts: Timeouts{
			Ack:         3 * time.Second,
			Status:      2 * time.Second,
			Result:      10 * time.Second,
			RequestRead: 30 * time.Second,
			Dial:        5 * time.Second,
		},
		Build: Build{
			ClangCmd:   "clang",
			WasmTarget: "wasm32-unknown-unknown",
			WamrcCmd:   "wamrc",
			AOTTarget:  "thumbv7em",
			AOTCPU:     "cortex-m4",
			AOTABI:     "gnu",
			WorkDir:    os.TempDir(),
			Timeout:    120 * time.Second,
		},
		LogLevel: "debug",
	}
}

// Load reads a YAML config file on top of the defaults. A device table in
// the file replaces the default table instead of extending it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config data on top of the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Devices = nil

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if len(cfg.Devices) == 0 {
		cfg.Devices = DefaultDevices()
	}
	return cfg, nil
}

// Validate checks the configuration and resolves the device table
func (c *Config) Validate() (*DeviceTable, error) {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return nil, fmt.Errorf("invalid listen port: %d", c.Listen.Port)
	}
	if c.Timeouts.Ack <= 0 || c.Timeouts.Status <= 0 || c.Timeouts.Result <= 0 {
		return nil, fmt.Errorf("device timeouts must be positive")
	}
	if c.Timeouts.RequestRead <= 0 || c.Timeouts.Dial <= 0 {
		return nil, fmt.Errorf("request read and dial timeouts must be positive")
	}
	if c.Serial.DataBits < 5 || c.Serial.DataBits > 8 {
		return nil, fmt.Errorf("invalid serial data bits: %d", c.Serial.DataBits)
	}
	if c.Build.Timeout <= 0 {
		return nil, fmt.Errorf("build timeout must be positive")
	}

	table := &DeviceTable{endpoints: make(map[string]transport.Endpoint, len(c.Devices))}
	for name, dev := range c.Devices {
		if name == "" {
			return nil, fmt.Errorf("device with empty name")
		}

		ep, err := transport.ParseEndpoint(dev.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
		if ep.Kind == transport.KindSerial {
			ep.BaudRate = c.Serial.BaudRate
			if dev.BaudRate > 0 {
				ep.BaudRate = dev.BaudRate
			}
		}
		table.endpoints[name] = ep
	}

	return table, nil
}

// Dialer returns the transport opener configured by c
func (c *Config) Dialer() *transport.Dialer {
	d := transport.NewDialer(c.Timeouts.Dial)
	d.DataBits = c.Serial.DataBits
	d.Parity = c.Serial.Parity
	d.StopBits = c.Serial.StopBits
	return d
}

// DeviceTable is the resolved, read-only device name to endpoint mapping
type DeviceTable struct {
	endpoints map[string]transport.Endpoint
}

// NewDeviceTable builds a table from already parsed endpoints
func NewDeviceTable(endpoints map[string]transport.Endpoint) *DeviceTable {
	t := &DeviceTable{endpoints: make(map[string]transport.Endpoint, len(endpoints))}
	for name, ep := range endpoints {
		t.endpoints[name] = ep
	}
	return t
}

// Lookup returns the endpoint of a device
func (t *DeviceTable) Lookup(name string) (transport.Endpoint, bool) {
	ep, ok := t.endpoints[name]
	return ep, ok
}

// Names returns the device names in sorted order
func (t *DeviceTable) Names() []string {
	names := make([]string, 0, len(t.endpoints))
	for name := range t.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of devices
func (t *DeviceTable) Len() int {
	return len(t.endpoints)
}
