// Package logger implements the relay's process-lifecycle logger,
// adapted from the teacher's hand-rolled logger/logger.go: leveled,
// multi-writer, with an optional size/age-rotated file sink.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Level is a log severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields is a set of structured key/value attributes attached to a
// single log line.
type Fields map[string]interface{}

// Config configures a Logger.
type Config struct {
	Level    Level
	Console  bool
	File     string // empty disables file output
	Rotation RotationConfig
}

// Logger is the relay's process logger.
type Logger struct {
	out        *log.Logger
	level      Level
	fileWriter *RotateWriter
}

// New creates a Logger writing INFO+ to stdout only.
func New() *Logger {
	return NewWithConfig(Config{Level: Info, Console: true})
}

// NewWithConfig creates a Logger from an explicit configuration.
func NewWithConfig(cfg Config) *Logger {
	var writers []io.Writer
	var fw *RotateWriter

	if cfg.Console {
		writers = append(writers, os.Stdout)
	}
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		var err error
		fw, err = NewRotateWriter(cfg.File, cfg.Rotation)
		if err != nil {
			log.Printf("logger: failed to open log file %s: %v", cfg.File, err)
		} else {
			writers = append(writers, fw)
		}
	}

	var w io.Writer = os.Stdout
	if len(writers) > 0 {
		w = io.MultiWriter(writers...)
	}

	return &Logger{
		out:        log.New(w, "", log.LstdFlags),
		level:      cfg.Level,
		fileWriter: fw,
	}
}

func (l *Logger) SetLevel(level Level) { l.level = level }

func (l *Logger) log(level Level, msg string, fields Fields) {
	if level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	l.out.Printf("[%s] %s", level, b.String())
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.log(Debug, msg, merge(fields)) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.log(Info, msg, merge(fields)) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.log(Warn, msg, merge(fields)) }
func (l *Logger) Error(msg string, fields ...Fields) { l.log(Error, msg, merge(fields)) }
func (l *Logger) Fatal(msg string, fields ...Fields) {
	l.log(Fatal, msg, merge(fields))
	os.Exit(1)
}

func merge(fs []Fields) Fields {
	if len(fs) == 0 {
		return nil
	}
	if len(fs) == 1 {
		return fs[0]
	}
	out := Fields{}
	for _, f := range fs {
		for k, v := range f {
			out[k] = v
		}
	}
	return out
}

// Close releases the underlying file writer, if any.
func (l *Logger) Close() error {
	if l.fileWriter != nil {
		return l.fileWriter.Close()
	}
	return nil
}
