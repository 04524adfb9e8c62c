package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

var (
	// zerolog keeps these as package globals; set them once.
	timeFormatOnce sync.Once
	callerSkipOnce sync.Once
)

// Logger wraps zerolog with the fields and writers of one process.
type Logger struct {
	*zerolog.Logger
	config *Config
	fields Fields
	closer io.Closer
	mu     sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is the output format (json, console)
	Format string `json:"format" yaml:"format"`

	// Output target for the stream writer (stdout, stderr, none)
	Output string `json:"output" yaml:"output"`

	// NoColor disables color in console format
	NoColor bool `json:"no_color" yaml:"no_color"`

	// TimeFormat for console output
	TimeFormat string `json:"time_format" yaml:"time_format"`

	// File output settings
	File FileConfig `json:"file" yaml:"file"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields" yaml:"fields"`

	// EnableCaller adds caller information to logs
	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`

	// AsyncWrite uses a diode writer so slow sinks never block the protocol
	AsyncWrite bool `json:"async_write" yaml:"async_write"`

	// BufferSize for async writer (in messages)
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// FileConfig for rotated file output
type FileConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	Path       string `json:"path" yaml:"path"`
	MaxSize    int    `json:"max_size" yaml:"max_size"` // megabytes
	MaxAge     int    `json:"max_age" yaml:"max_age"`   // days
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// DefaultConfig returns default logger configuration.
// Logs go to stderr so the operator console on stdout stays readable.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "console",
		Output:     "stderr",
		TimeFormat: "15:04:05.000",
		File: FileConfig{
			Enable:     false,
			Path:       "ringkv.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		Fields:       make(Fields),
		EnableCaller: false,
		AsyncWrite:   false,
		BufferSize:   10000,
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	writers := []io.Writer{}

	var output io.Writer
	switch config.Output {
	case "none":
	case "stdout":
		output = os.Stdout
	default:
		output = os.Stderr
	}

	if output != nil {
		if config.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: config.TimeFormat,
				NoColor:    config.NoColor,
			})
		} else {
			writers = append(writers, output)
		}
	}

	var closer io.Closer
	if config.File.Enable {
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		fileWriter := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  true,
			Compress:   config.File.Compress,
		}
		writers = append(writers, fileWriter)
		closer = fileWriter
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		dw := diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
		writer = dw
		closer = multiCloser{dw, closer}
	}

	timeFormatOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
	})

	zctx := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = 2
		})
		zctx = zctx.Caller()
	}
	for k, v := range config.Fields {
		zctx = zctx.Interface(k, v)
	}

	zl := zctx.Logger()
	fields := make(Fields, len(config.Fields))
	for k, v := range config.Fields {
		fields[k] = v
	}

	return &Logger{
		Logger: &zl,
		config: config,
		fields: fields,
		closer: closer,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{
		Logger: &zl,
		config: DefaultConfig(),
		fields: make(Fields),
	}
}

// WithFields creates a child logger with additional fields
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	base := l.Logger
	l.mu.RUnlock()

	zctx := base.With()
	for k, v := range fields {
		merged[k] = v
		zctx = zctx.Interface(k, v)
	}

	zl := zctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
		fields: merged,
	}
}

// WithError creates a child logger carrying err
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// Fields returns a copy of the persistent fields of this logger.
func (l *Logger) Fields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// UpdateLevel updates the log level dynamically
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	newLogger := l.Logger.Level(lvl)
	l.Logger = &newLogger
	return nil
}

// Close flushes buffered writers and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
