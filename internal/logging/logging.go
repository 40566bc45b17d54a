// Package logging configures logrus for the tracker binaries: console output
// plus an optional rotated log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects log level, console format and file output
type Config struct {
	Level      string
	Format     string // "text" or "json"
	FilePath   string
	MaxAgeDays int
}

// ParseLevel maps a level name to a logrus level. Unknown names mean info.
func ParseLevel(name string) log.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return log.TraceLevel
	case "DEBUG":
		return log.DebugLevel
	case "WARN", "WARNING":
		return log.WarnLevel
	case "ERROR":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Configure applies cfg to the standard logger. The returned closer flushes
// the log file and is a no-op when no file is configured.
func Configure(cfg Config) (io.Closer, error) {
	return ConfigureLogger(log.StandardLogger(), cfg)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ConfigureLogger applies cfg to logger
func ConfigureLogger(logger *log.Logger, cfg Config) (io.Closer, error) {
	logger.SetLevel(ParseLevel(cfg.Level))
	logger.SetOutput(os.Stdout)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if cfg.FilePath == "" {
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	maxAge := cfg.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 30
	}
	file := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    100,
		MaxBackups: 30,
		MaxAge:     maxAge,
		Compress:   true,
	}

	fileFmt := &log.TextFormatter{DisableColors: true, FullTimestamp: true}
	logger.AddHook(lfshook.NewHook(lfshook.WriterMap{
		log.PanicLevel: file,
		log.FatalLevel: file,
		log.ErrorLevel: file,
		log.WarnLevel:  file,
		log.InfoLevel:  file,
		log.DebugLevel: file,
		log.TraceLevel: file,
	}, fileFmt))

	return file, nil
}
