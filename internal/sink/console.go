package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mitchellh/mapstructure"
	"google.golang.org/protobuf/encoding/protojson"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
)

// ConsoleName is the name of the console sink.
const ConsoleName = "console"

// ConsoleConfig configures a ConsoleReporter.
type ConsoleConfig struct {
	Format string `mapstructure:"format"` // "json" or "text", default "text"
}

// ConsoleReporter writes records to stdout for debugging.
type ConsoleReporter struct {
	format        string
	mu            sync.Mutex
	out           io.Writer
	reportedCount atomic.Uint64
}

// NewConsoleReporter creates a console reporter writing to stdout.
func NewConsoleReporter(format string) (*ConsoleReporter, error) {
	r := &ConsoleReporter{format: "text", out: os.Stdout}
	if format != "" {
		if err := r.setFormat(format); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *ConsoleReporter) setFormat(format string) error {
	if format != "json" && format != "text" {
		return fmt.Errorf("%w: invalid console format %q, must be json or text", core.ErrConfigInvalid, format)
	}
	r.format = format
	return nil
}

// SetOutput redirects the reporter.
func (r *ConsoleReporter) SetOutput(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = w
}

func (r *ConsoleReporter) Name() string { return ConsoleName }

// Init applies a "format" option.
func (r *ConsoleReporter) Init(config map[string]any) error {
	var cfg ConsoleConfig
	if err := mapstructure.Decode(config, &cfg); err != nil {
		return fmt.Errorf("%w: console sink: %v", core.ErrConfigInvalid, err)
	}
	if cfg.Format == "" {
		return nil
	}
	return r.setFormat(cfg.Format)
}

func (r *ConsoleReporter) Start(_ context.Context) error {
	log.GetLogger().WithField("format", r.format).Info("console sink started")
	return nil
}

func (r *ConsoleReporter) Stop(_ context.Context) error {
	log.GetLogger().Infof("console sink stopped, %d records", r.reportedCount.Load())
	return nil
}

// Report writes one record.
func (r *ConsoleReporter) Report(_ context.Context, rec *core.TxRecord) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	var line []byte
	if r.format == "json" {
		s, err := Struct(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if line, err = protojson.Marshal(s); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	} else {
		line = []byte(Text(rec))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := fmt.Fprintf(r.out, "%s\n", line); err != nil {
		return err
	}
	r.reportedCount.Add(1)
	return nil
}

// Flush is a no-op, writes are not buffered.
func (r *ConsoleReporter) Flush(_ context.Context) error {
	return nil
}
