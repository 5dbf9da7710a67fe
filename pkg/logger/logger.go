// Package logger wraps logrus with the engine's logging conventions.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a thin wrapper around logrus.Logger.
type Logger struct {
	*logrus.Logger
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// New creates a logger from configuration. Unknown levels fall back to info,
// unknown formats to text, unknown outputs to stdout.
func New(cfg LoggingConfig) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(formatter(cfg.Format))
	log.SetOutput(output(log, cfg))

	return &Logger{Logger: log}
}

// NewDefault creates an info-level text logger tagged with a component name.
func NewDefault(component string) *Logger {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	l := &Logger{Logger: log}
	if component != "" {
		l.AddHook(&componentHook{component: component})
	}
	return l
}

// Component returns a derived entry carrying a component field.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.Logger.WithField("component", name)
}

func formatter(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

func output(log *logrus.Logger, cfg LoggingConfig) io.Writer {
	if !strings.EqualFold(cfg.Output, "file") {
		return os.Stdout
	}
	prefix := cfg.FilePrefix
	if prefix == "" {
		prefix = "trellis"
	}
	logDir := "logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Errorf("Failed to create logs directory: %v", err)
		return os.Stdout
	}
	path := filepath.Join(logDir, prefix+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Errorf("Failed to open log file: %v", err)
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, file)
}

// componentHook stamps every entry with the component name.
type componentHook struct {
	component string
}

func (h *componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *componentHook) Fire(e *logrus.Entry) error {
	if _, exists := e.Data["component"]; !exists {
		e.Data["component"] = h.component
	}
	return nil
}
