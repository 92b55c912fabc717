package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/mitchellh/mapstructure"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
	"firestige.xyz/applayer/pkg/plugin"
)

// FileSourceName is the name of the pcap file source.
const FileSourceName = "pcap"

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// FileConfig configures a FileSource.
type FileConfig struct {
	Path string `mapstructure:"path"`
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// FileSource replays a pcap or pcapng file.
type FileSource struct {
	cfg    FileConfig
	filter *PortFilter

	mu        sync.Mutex
	file      *os.File
	reader    packetReader
	capturing atomic.Bool

	received atomic.Uint64
	filtered atomic.Uint64
}

// NewFileSource creates a source for the file at path. filter may be nil.
func NewFileSource(path string, filter *PortFilter) *FileSource {
	return &FileSource{cfg: FileConfig{Path: path}, filter: filter}
}

func (s *FileSource) Name() string { return FileSourceName }

// Init applies a "path" option.
func (s *FileSource) Init(cfg map[string]any) error {
	if err := mapstructure.Decode(cfg, &s.cfg); err != nil {
		return fmt.Errorf("%w: pcap source: %v", core.ErrConfigInvalid, err)
	}
	if s.cfg.Path == "" {
		return fmt.Errorf("%w: pcap source: path is required", core.ErrConfigInvalid)
	}
	return nil
}

// Start opens the file and reads its header.
func (s *FileSource) Start(_ context.Context) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open pcap file %s: %w", s.cfg.Path, err)
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read pcap file %s: %w", s.cfg.Path, err)
	}
	var r packetReader
	if bytes.Equal(magic, pcapngMagic) {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read pcap file %s: %w", s.cfg.Path, err)
	}
	s.file = f
	s.reader = r
	log.GetLogger().Debugf("replaying %s, link type %s", s.cfg.Path, r.LinkType())
	return nil
}

// LinkType returns the link type of the file, Ethernet before Start.
func (s *FileSource) LinkType() layers.LinkType {
	if s.reader == nil {
		return layers.LinkTypeEthernet
	}
	return s.reader.LinkType()
}

// Capture sends every packet of the file to output and returns at the end
// of the file. Packets are never dropped. The file is closed on return.
func (s *FileSource) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	if s.reader == nil {
		return fmt.Errorf("pcap source not started")
	}
	s.capturing.Store(true)
	defer s.closeFile()
	for {
		if ctx.Err() != nil {
			return nil
		}
		data, ci, err := s.reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}
		s.received.Add(1)
		if s.filter != nil && s.reader.LinkType() == layers.LinkTypeEthernet && !s.filter.Match(data) {
			s.filtered.Add(1)
			continue
		}
		raw := core.RawPacket{
			Data:           data,
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(ci.CaptureLength),
			OrigLen:        uint32(ci.Length),
			InterfaceIndex: ci.InterfaceIndex,
		}
		select {
		case output <- raw:
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop closes the file unless Capture owns it.
func (s *FileSource) Stop(_ context.Context) error {
	if s.capturing.Load() {
		return nil
	}
	return s.closeFile()
}

func (s *FileSource) closeFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Stats returns the packets read. Packets rejected by the port filter
// count as dropped.
func (s *FileSource) Stats() plugin.CaptureStats {
	return plugin.CaptureStats{
		PacketsReceived: s.received.Load(),
		PacketsDropped:  s.filtered.Load(),
	}
}
