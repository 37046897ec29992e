package netif

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65536

// Sniffer wraps a device and records every frame read or written to a pcap
// stream.
type Sniffer struct {
	Device

	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	err    error
}

// NewSniffer records the traffic of dev to w.
func NewSniffer(dev Device, w io.Writer) (*Sniffer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	s := &Sniffer{Device: dev, w: pw}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// NewFileSniffer records the traffic of dev to a new pcap file at path.
func NewFileSniffer(dev Device, path string) (*Sniffer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap file %s: %w", path, err)
	}
	s, err := NewSniffer(dev, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sniffer) Read(buf []byte) (int, error) {
	n, err := s.Device.Read(buf)
	if err == nil {
		s.record(buf[:n])
	}
	return n, err
}

func (s *Sniffer) Write(frame []byte) (int, error) {
	s.record(frame)
	return s.Device.Write(frame)
}

// Err returns the first error hit while writing the capture.
func (s *Sniffer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sniffer) record(frame []byte) {
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = s.w.WritePacket(ci, frame)
}

func (s *Sniffer) Close() error {
	err := s.Device.Close()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
