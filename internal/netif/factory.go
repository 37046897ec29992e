package netif

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/wire"
)

// Factory builds a device from free-form options.
type Factory func(options map[string]any) (Device, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a device kind available to NewDevice.
func Register(kind string, fn Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = fn
}

// Kinds returns the registered device kinds.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// commonOptions apply to every device kind.
type commonOptions struct {
	PcapFile string `mapstructure:"pcap_file"`
}

// ChannelConfig configures an in-memory channel device.
type ChannelConfig struct {
	Name      string `mapstructure:"name"`
	MAC       string `mapstructure:"mac"`
	QueueSize int    `mapstructure:"queue_size"`
}

// LoopbackConfig configures a loopback device.
type LoopbackConfig struct {
	Name string `mapstructure:"name"`
}

func init() {
	Register("loopback", func(options map[string]any) (Device, error) {
		var cfg LoopbackConfig
		if err := decodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		return NewLoopback(cfg.Name), nil
	})
	Register("channel", func(options map[string]any) (Device, error) {
		var cfg ChannelConfig
		if err := decodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		mac, err := wire.ParseMAC(cfg.MAC)
		if err != nil {
			return nil, fmt.Errorf("channel mac %q: %w", cfg.MAC, err)
		}
		return NewChannel(cfg.Name, mac, cfg.QueueSize), nil
	})
}

// NewDevice builds a device of the given kind. A "pcap_file" option wraps
// it in a Sniffer writing to that file.
func NewDevice(kind string, options map[string]any) (Device, error) {
	factoriesMu.RLock()
	fn, ok := factories[kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device kind %q: %w", kind, core.ErrNoDevice)
	}

	var common commonOptions
	if err := decodeOptions(options, &common); err != nil {
		return nil, err
	}

	dev, err := fn(options)
	if err != nil {
		return nil, fmt.Errorf("create %s device: %w", kind, err)
	}
	if common.PcapFile == "" {
		return dev, nil
	}

	s, err := NewFileSniffer(dev, common.PcapFile)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return s, nil
}

func decodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("decode device options: %w", err)
	}
	return nil
}
