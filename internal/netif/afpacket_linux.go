//go:build linux

package netif

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket/afpacket"
	"golang.org/x/net/bpf"

	"firestige.xyz/netstack/internal/wire"
)

const readRetryDelay = 10 * time.Millisecond

func init() {
	Register("afpacket", func(options map[string]any) (Device, error) {
		var cfg AFPacketConfig
		if err := decodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		return NewAFPacket(cfg)
	})
}

// AFPacketConfig configures a raw socket device.
type AFPacketConfig struct {
	Interface    string `mapstructure:"interface"`
	MAC          string `mapstructure:"mac"`
	BufferSizeMB int    `mapstructure:"buffer_size_mb"`
	TimeoutMs    int    `mapstructure:"timeout_ms"`
	QueueSize    int    `mapstructure:"queue_size"`
}

// AFPacket is a device on a Linux AF_PACKET socket. A kernel BPF filter
// passes only frames addressed to the device or broadcast.
type AFPacket struct {
	frameQueue
	name string
	mac  wire.MAC
	mtu  int

	tp        *afpacket.TPacket
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAFPacket opens a raw socket on cfg.Interface and starts its reader.
func NewAFPacket(cfg AFPacketConfig) (*AFPacket, error) {
	nic, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %s: %w", cfg.Interface, err)
	}

	var mac wire.MAC
	if cfg.MAC != "" {
		if mac, err = wire.ParseMAC(cfg.MAC); err != nil {
			return nil, fmt.Errorf("parse mac %q: %w", cfg.MAC, err)
		}
	} else {
		copy(mac[:], nic.HardwareAddr)
	}

	mtu := nic.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	timeout := cfg.TimeoutMs
	if timeout <= 0 {
		timeout = 100
	}

	frameSize, blockSize, numBlocks := recomputeSize(cfg.BufferSizeMB, mtu+wire.EthernetHeaderLen, os.Getpagesize())
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Interface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(timeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("open af_packet on %s: %w", cfg.Interface, err)
	}

	prog, err := bpf.Assemble(MACFilter(mac))
	if err != nil {
		tp.Close()
		return nil, fmt.Errorf("assemble bpf filter: %w", err)
	}
	if err := tp.SetBPF(prog); err != nil {
		tp.Close()
		return nil, fmt.Errorf("set bpf filter: %w", err)
	}

	d := &AFPacket{
		frameQueue: newFrameQueue(cfg.QueueSize),
		name:       cfg.Interface,
		mac:        mac,
		mtu:        mtu,
		tp:         tp,
		done:       make(chan struct{}),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d, nil
}

func (d *AFPacket) readLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		default:
		}

		data, _, err := d.tp.ReadPacketData()
		if err != nil {
			if errors.Is(err, afpacket.ErrTimeout) {
				continue
			}
			select {
			case <-d.done:
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		d.push(data)
	}
}

func (d *AFPacket) Name() string                 { return d.name }
func (d *AFPacket) MAC() wire.MAC                { return d.mac }
func (d *AFPacket) MTU() int                     { return d.mtu }
func (d *AFPacket) Read(buf []byte) (int, error) { return d.pop(buf) }
func (d *AFPacket) SetNotify(fn func())          { d.setNotify(fn) }

func (d *AFPacket) Write(frame []byte) (int, error) {
	if err := d.tp.WritePacketData(frame); err != nil {
		return 0, err
	}
	return len(frame), nil
}

func (d *AFPacket) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
		d.close()
		d.tp.Close()
	})
	return nil
}
