// Package config loads the netstack configuration.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/wire"
)

// Config is the root of the netstack configuration.
type Config struct {
	Log        LogConfig         `mapstructure:"log" yaml:"log"`
	Metrics    MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Pool       PoolConfig        `mapstructure:"pool" yaml:"pool"`
	Queues     QueueConfig       `mapstructure:"queues" yaml:"queues"`
	ARP        ARPConfig         `mapstructure:"arp" yaml:"arp"`
	TCP        TCPConfig         `mapstructure:"tcp" yaml:"tcp"`
	Socket     SocketConfig      `mapstructure:"socket" yaml:"socket"`
	ICMP       ICMPConfig        `mapstructure:"icmp" yaml:"icmp"`
	DHCP       DHCPConfig        `mapstructure:"dhcp" yaml:"dhcp"`
	Interfaces []InterfaceConfig `mapstructure:"interfaces" yaml:"interfaces"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`     // trace, debug, info, warn, error
	Format  string           `mapstructure:"format" yaml:"format"`   // text (pattern) or json
	Pattern string           `mapstructure:"pattern" yaml:"pattern"` // %time %level %field %msg %caller
	Time    string           `mapstructure:"time" yaml:"time"`
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log output configuration. Console is always on.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig contains file output configuration.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig contains log rotation configuration.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// PoolConfig sizes the packet buffer pool.
type PoolConfig struct {
	Size       int `mapstructure:"size" yaml:"size"`
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// QueueConfig sizes the stack's rx and tx queues.
type QueueConfig struct {
	RX int `mapstructure:"rx" yaml:"rx"`
	TX int `mapstructure:"tx" yaml:"tx"`
}

// ARPConfig contains ARP cache and resolver configuration.
type ARPConfig struct {
	Capacity       int           `mapstructure:"capacity" yaml:"capacity"`
	RequestRate    float64       `mapstructure:"request_rate" yaml:"request_rate"` // requests per second
	RequestBurst   int           `mapstructure:"request_burst" yaml:"request_burst"`
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout" yaml:"resolve_timeout"`
}

// TCPConfig contains TCP timers and limits.
type TCPConfig struct {
	MSS                int           `mapstructure:"mss" yaml:"mss"`
	Window             int           `mapstructure:"window" yaml:"window"`
	RetransmitInterval time.Duration `mapstructure:"retransmit_interval" yaml:"retransmit_interval"`
	MaxRetransmits     int           `mapstructure:"max_retransmits" yaml:"max_retransmits"`
	TimeWait           time.Duration `mapstructure:"time_wait" yaml:"time_wait"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// SocketConfig sizes the socket table and per-socket buffers.
type SocketConfig struct {
	MaxSockets int `mapstructure:"max_sockets" yaml:"max_sockets"`
	RingSize   int `mapstructure:"ring_size" yaml:"ring_size"`
	QueueSize  int `mapstructure:"queue_size" yaml:"queue_size"`
}

// ICMPConfig limits echo replies.
type ICMPConfig struct {
	ReplyRate  float64 `mapstructure:"reply_rate" yaml:"reply_rate"`
	ReplyBurst int     `mapstructure:"reply_burst" yaml:"reply_burst"`
}

// DHCPConfig contains DHCP client configuration.
type DHCPConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Interface string        `mapstructure:"interface" yaml:"interface"` // defaults to the default interface
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries   int           `mapstructure:"retries" yaml:"retries"`
}

// InterfaceConfig attaches one device to the stack. The loopback interface
// always exists and is not listed here.
type InterfaceConfig struct {
	Name    string         `mapstructure:"name" yaml:"name"`
	Kind    string         `mapstructure:"kind" yaml:"kind"` // device factory kind, see netif.Kinds
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
	CIDR    string         `mapstructure:"cidr" yaml:"cidr,omitempty"` // empty leaves the interface for DHCP
	Gateway string         `mapstructure:"gateway" yaml:"gateway,omitempty"`
	MAC     string         `mapstructure:"mac" yaml:"mac,omitempty"`
	Default bool           `mapstructure:"default" yaml:"default"`
}

// Prefix returns the parsed CIDR, or the zero prefix when unset.
func (ic InterfaceConfig) Prefix() netip.Prefix {
	p, _ := netip.ParsePrefix(ic.CIDR)
	return p
}

// GatewayAddr returns the parsed gateway, or the zero address when unset.
func (ic InterfaceConfig) GatewayAddr() netip.Addr {
	a, _ := netip.ParseAddr(ic.Gateway)
	return a
}

// HardwareAddr returns the parsed MAC, or the zero MAC when unset.
func (ic InterfaceConfig) HardwareAddr() wire.MAC {
	m, _ := wire.ParseMAC(ic.MAC)
	return m
}

type configRoot struct {
	Netstack Config `mapstructure:"netstack"`
}

// Load loads configuration from file.
// The YAML file uses `netstack:` as root key; env vars use the NETSTACK_ prefix
// (e.g. NETSTACK_LOG_LEVEL, NETSTACK_TCP_MAX_RETRANSMITS).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return fromViper(v)
}

// Default returns the configuration used when no file is given: every
// default, environment overrides applied, loopback only.
func Default() *Config {
	cfg, err := fromViper(viper.New())
	if err != nil {
		// defaults are valid; only a bad environment override lands here
		panic(err)
	}
	return cfg
}

func fromViper(v *viper.Viper) (*Config, error) {
	// key "netstack.log.level" maps to env "NETSTACK_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Netstack

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "netstack." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("netstack.log.level", "info")
	v.SetDefault("netstack.log.format", "text")
	v.SetDefault("netstack.log.pattern", "%time [%level] %field %msg\n")
	v.SetDefault("netstack.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("netstack.log.outputs.file.enabled", false)
	v.SetDefault("netstack.log.outputs.file.path", "/var/log/netstack/netstack.log")
	v.SetDefault("netstack.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("netstack.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("netstack.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("netstack.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("netstack.metrics.enabled", false)
	v.SetDefault("netstack.metrics.listen", ":9091")
	v.SetDefault("netstack.metrics.path", "/metrics")

	// Buffers
	v.SetDefault("netstack.pool.size", 512)
	v.SetDefault("netstack.pool.buffer_size", 1536)
	v.SetDefault("netstack.queues.rx", 256)
	v.SetDefault("netstack.queues.tx", 256)

	// ARP
	v.SetDefault("netstack.arp.capacity", 64)
	v.SetDefault("netstack.arp.request_rate", 10.0)
	v.SetDefault("netstack.arp.request_burst", 5)
	v.SetDefault("netstack.arp.resolve_timeout", "1s")

	// TCP
	v.SetDefault("netstack.tcp.mss", 512)
	v.SetDefault("netstack.tcp.window", 65535)
	v.SetDefault("netstack.tcp.retransmit_interval", "500ms")
	v.SetDefault("netstack.tcp.max_retransmits", 8)
	v.SetDefault("netstack.tcp.time_wait", "2s")
	v.SetDefault("netstack.tcp.connect_timeout", "5s")

	// Sockets
	v.SetDefault("netstack.socket.max_sockets", 64)
	v.SetDefault("netstack.socket.ring_size", 8192)
	v.SetDefault("netstack.socket.queue_size", 32)

	// ICMP
	v.SetDefault("netstack.icmp.reply_rate", 100.0)
	v.SetDefault("netstack.icmp.reply_burst", 20)

	// DHCP
	v.SetDefault("netstack.dhcp.enabled", false)
	v.SetDefault("netstack.dhcp.interface", "")
	v.SetDefault("netstack.dhcp.timeout", "2s")
	v.SetDefault("netstack.dhcp.retries", 3)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}

	// ── Sizes ──
	if cfg.Pool.Size <= 0 {
		return invalid("pool.size must be positive, got %d", cfg.Pool.Size)
	}
	// a buffer must hold a full ethernet frame
	if cfg.Pool.BufferSize < wire.EthernetHeaderLen+1500 {
		return invalid("pool.buffer_size %d is below one frame (%d)", cfg.Pool.BufferSize, wire.EthernetHeaderLen+1500)
	}
	if cfg.Queues.RX <= 0 || cfg.Queues.TX <= 0 {
		return invalid("queue capacities must be positive (rx=%d tx=%d)", cfg.Queues.RX, cfg.Queues.TX)
	}
	if cfg.ARP.Capacity <= 0 {
		return invalid("arp.capacity must be positive, got %d", cfg.ARP.Capacity)
	}
	if cfg.ARP.RequestBurst <= 0 {
		cfg.ARP.RequestBurst = 1
	}
	if cfg.ICMP.ReplyBurst <= 0 {
		cfg.ICMP.ReplyBurst = 1
	}
	if cfg.Socket.MaxSockets <= 0 || cfg.Socket.RingSize <= 0 || cfg.Socket.QueueSize <= 0 {
		return invalid("socket sizes must be positive")
	}

	// ── TCP ──
	if cfg.TCP.MSS <= 0 || cfg.TCP.MSS > 512 {
		return invalid("tcp.mss %d out of range (1-512)", cfg.TCP.MSS)
	}
	if cfg.TCP.Window < cfg.TCP.MSS || cfg.TCP.Window > 65535 {
		return invalid("tcp.window %d out of range (%d-65535)", cfg.TCP.Window, cfg.TCP.MSS)
	}
	if cfg.TCP.RetransmitInterval <= 0 {
		return invalid("tcp.retransmit_interval must be positive")
	}
	if cfg.TCP.MaxRetransmits <= 0 {
		return invalid("tcp.max_retransmits must be positive, got %d", cfg.TCP.MaxRetransmits)
	}

	// ── DHCP ──
	if cfg.DHCP.Retries <= 0 {
		cfg.DHCP.Retries = 1
	}
	if cfg.DHCP.Timeout <= 0 {
		return invalid("dhcp.timeout must be positive")
	}

	// ── Interfaces ──
	return cfg.validateInterfaces()
}

func (cfg *Config) validateInterfaces() error {
	seen := map[string]bool{"lo": true}
	defaults := 0
	for i := range cfg.Interfaces {
		ic := &cfg.Interfaces[i]
		if ic.Name == "" {
			ic.Name = fmt.Sprintf("eth%d", i)
		}
		if seen[ic.Name] {
			return invalid("duplicate interface name: %s", ic.Name)
		}
		seen[ic.Name] = true
		if ic.Kind == "" {
			return invalid("interfaces[%s].kind is required", ic.Name)
		}
		if ic.CIDR != "" {
			p, err := netip.ParsePrefix(ic.CIDR)
			if err != nil || !p.Addr().Is4() {
				return invalid("interfaces[%s].cidr %q is not an IPv4 prefix", ic.Name, ic.CIDR)
			}
		}
		if ic.Gateway != "" {
			gw, err := netip.ParseAddr(ic.Gateway)
			if err != nil || !gw.Is4() {
				return invalid("interfaces[%s].gateway %q is not an IPv4 address", ic.Name, ic.Gateway)
			}
		}
		if ic.MAC != "" {
			if _, err := wire.ParseMAC(ic.MAC); err != nil {
				return invalid("interfaces[%s].mac: %v", ic.Name, err)
			}
		}
		if ic.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return invalid("at most one interface may be marked default, got %d", defaults)
	}
	if defaults == 0 && len(cfg.Interfaces) > 0 {
		cfg.Interfaces[0].Default = true
	}
	if cfg.DHCP.Interface != "" && !seen[cfg.DHCP.Interface] {
		return invalid("dhcp.interface %s is not configured", cfg.DHCP.Interface)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrConfigInvalid)
}
