package log

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOutput configures a size-rotated log file written next to the
// console output.
type FileOutput struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// console returns the stream named by output: "stderr" (default) or "stdout".
func console(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	return nil, fmt.Errorf("invalid log output %q (must be stdout/stderr)", output)
}

// openOutput returns the writer for cfg and the closer of its log file.
// A failing file does not stop console output.
func openOutput(cfg *LoggerConfig) (io.Writer, io.Closer, error) {
	con, err := console(cfg.Output)
	if err != nil {
		return nil, nil, err
	}
	if cfg.File == nil || cfg.File.Path == "" {
		return con, nil, nil
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File.Path,
		MaxSize:    cfg.File.MaxSizeMB,
		MaxBackups: cfg.File.MaxBackups,
		MaxAge:     cfg.File.MaxAgeDays,
		Compress:   cfg.File.Compress,
	}
	return tee{con, file}, file, nil
}

// tee writes to every writer and reports the last error.
type tee []io.Writer

func (t tee) Write(p []byte) (int, error) {
	var err error
	for _, w := range t {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}
