package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotated log files. When StdoutPath/StderrPath are empty
// and Dir is set, worker files are Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config holds the logging destinations of a supervised worker.
type Config struct {
	File FileConfig `mapstructure:",squash"`
}

// Enabled reports whether any file destination is configured.
func (c Config) Enabled() bool {
	return c.File.Dir != "" || c.File.StdoutPath != "" || c.File.StderrPath != ""
}

// ProcessWriters returns rotating writers for the stdout and stderr of the named
// process. A stream without a destination gets a nil writer.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout, stderr := c.File.StdoutPath, c.File.StderrPath
	if c.File.Dir != "" {
		if err := os.MkdirAll(c.File.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		if stdout == "" {
			stdout = filepath.Join(c.File.Dir, name+".stdout.log")
		}
		if stderr == "" {
			stderr = filepath.Join(c.File.Dir, name+".stderr.log")
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotator(stdout)
	}
	if stderr != "" {
		errW = c.File.rotator(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotator(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// Options configures the daemon's own logger.
type Options struct {
	Level  string     `mapstructure:"level"`  // debug|info|warn|error
	Format string     `mapstructure:"format"` // text|json|color
	Path   string     `mapstructure:"file"`   // empty writes to Output
	File   FileConfig `mapstructure:",squash"`
	Output io.Writer  `mapstructure:"-"` // defaults to os.Stderr
}

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ValidFormat reports whether f names a supported handler.
func ValidFormat(f string) bool {
	switch strings.ToLower(f) {
	case "", "text", "json", "color":
		return true
	}
	return false
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a slog.Logger from opts. The returned closer releases the log file, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	if !ValidFormat(opts.Format) {
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	var w io.Writer = os.Stderr
	if opts.Output != nil {
		w = opts.Output
	}
	var closer io.Closer = nopCloser{}
	if opts.Path != "" {
		if dir := filepath.Dir(opts.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		rot := opts.File.rotator(opts.Path)
		w, closer = rot, rot
	}
	ho := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		h = slog.NewJSONHandler(w, ho)
	case "color":
		h = NewColorTextHandler(w, ho, true)
	default:
		h = slog.NewTextHandler(w, ho)
	}
	return slog.New(h), closer, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
