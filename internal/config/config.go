package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// MainSlotPrefix is reserved for dynamic worker slots and may not be used as
// a fee slot id.
const MainSlotPrefix = "main"

// DefaultProtocolVersion is the version string handed to upstream clients
// for fee slots and for start requests that omit one.
const DefaultProtocolVersion = "v1.0.6"

type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Relay    RelayConfig    `yaml:"relay" toml:"relay"`
	Upstream UpstreamConfig `yaml:"upstream" toml:"upstream"`
	Log      LogConfig      `yaml:"log" toml:"log"`
	Privacy  PrivacyConfig  `yaml:"privacy" toml:"privacy"`
	FeeSlots []FeeSlot      `yaml:"fee_slots" toml:"fee_slots"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" toml:"port"`
	Host           string   `yaml:"host" toml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token" toml:"auth_token"`
	JWTSecret      string   `yaml:"jwt_secret" toml:"jwt_secret"`
	MaxConnections int      `yaml:"max_connections" toml:"max_connections"`
}

type RelayConfig struct {
	ProtocolVersion string `yaml:"protocol_version" toml:"protocol_version"`
	SendBuffer      int    `yaml:"send_buffer" toml:"send_buffer"`
	MailboxSize     int    `yaml:"mailbox_size" toml:"mailbox_size"`
}

type UpstreamConfig struct {
	DialTimeout      time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval" toml:"max_retry_interval"`
	UserAgent        string        `yaml:"user_agent" toml:"user_agent"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
	File  string `yaml:"file" toml:"file"`
	JSON  bool   `yaml:"json" toml:"json"`
}

// PrivacyConfig controls masking of the /api/sessions listing.
type PrivacyConfig struct {
	MaskRemoteAddrs bool `yaml:"mask_remote_addrs" toml:"mask_remote_addrs"`
	MaskSessionIDs  bool `yaml:"mask_session_ids" toml:"mask_session_ids"`
	MaskWorkers     bool `yaml:"mask_workers" toml:"mask_workers"`
}

// FeeSlot is one developer-fee upstream connection. Its id names the slot on
// the wire ("dev1" yields "dev1-work", "dev1-error", ...).
type FeeSlot struct {
	ID      string  `yaml:"id" toml:"id"`
	Algo    string  `yaml:"algo" toml:"algo"`
	Stratum Stratum `yaml:"stratum" toml:"stratum"`
}

type Stratum struct {
	Server   string `yaml:"server" toml:"server" json:"server"`
	Port     int    `yaml:"port" toml:"port" json:"port"`
	Worker   string `yaml:"worker" toml:"worker" json:"worker"`
	Password string `yaml:"password" toml:"password" json:"password"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Relay: RelayConfig{
			ProtocolVersion: DefaultProtocolVersion,
			SendBuffer:      64,
			MailboxSize:     128,
		},
		Upstream: UpstreamConfig{
			DialTimeout:      10 * time.Second,
			ReadTimeout:      5 * time.Minute,
			MaxRetryInterval: 30 * time.Second,
			UserAgent:        "stratum-relay",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Default returns the built-in configuration with no fee slots.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML (or JSON) config, or TOML when the file ends in .toml,
// over the defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Relay.SendBuffer <= 0 {
		c.Relay.SendBuffer = 64
	}
	if c.Relay.MailboxSize <= 0 {
		c.Relay.MailboxSize = 128
	}
	if c.Relay.ProtocolVersion == "" {
		c.Relay.ProtocolVersion = DefaultProtocolVersion
	}

	seen := make(map[string]bool, len(c.FeeSlots))
	for i, fs := range c.FeeSlots {
		id := strings.TrimSpace(fs.ID)
		switch {
		case id == "":
			return fmt.Errorf("fee_slots[%d]: id is required", i)
		case id == MainSlotPrefix:
			return fmt.Errorf("fee_slots[%d]: id %q is reserved", i, id)
		case seen[id]:
			return fmt.Errorf("fee_slots[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if fs.Stratum.Server == "" || fs.Stratum.Port == 0 || fs.Stratum.Worker == "" {
			return fmt.Errorf("fee_slots[%d] %q: stratum server, port and worker are required", i, id)
		}
		c.FeeSlots[i].ID = id
	}
	return nil
}

// FeeSlot returns the static configuration for a fee slot id.
func (c *Config) FeeSlot(id string) (FeeSlot, bool) {
	for _, fs := range c.FeeSlots {
		if fs.ID == id {
			return fs, true
		}
	}
	return FeeSlot{}, false
}

// ExampleTOML renders a commented TOML example of the configuration.
func ExampleTOML() ([]byte, error) {
	cfg := defaultConfig()
	cfg.FeeSlots = []FeeSlot{{
		ID:   "dev1",
		Algo: "minotaurx",
		Stratum: Stratum{
			Server:   "minotaurx.example-pool.org",
			Port:     7019,
			Worker:   "YOUR_WALLET_ADDRESS_HERE",
			Password: "c=RVN",
		},
	}}
	data, err := toml.Marshal(*cfg)
	if err != nil {
		return nil, fmt.Errorf("encode example config: %w", err)
	}
	header := []byte("# Generated example relay config (copy to a real config and edit as needed)\n\n")
	return append(header, data...), nil
}
