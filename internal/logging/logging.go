// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/objectfs/sqlitevfs/internal/config"
)

// Config configures handling of log events.
type Config struct {
	Level      string `long:"level" env:"LEVEL" default:"info" choice:"info" choice:"debug" choice:"warn" choice:"error" description:"Logging level"`
	Format     string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
	File       string `long:"file" env:"FILE" description:"Log file; rotated when set"`
	MaxSizeMB  int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"Rotate after this many megabytes"`
	MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"3" description:"Rotated files to keep"`
	MaxAgeDays int    `long:"max-age" env:"MAX_AGE" default:"28" description:"Days to keep rotated files"`
}

// FromGlobal builds a Config from the global configuration section.
func FromGlobal(g config.GlobalConfig) Config {
	return Config{
		Level:      g.LogLevel,
		Format:     g.LogFormat,
		File:       g.LogFile,
		MaxSizeMB:  g.LogMaxSizeMB,
		MaxBackups: g.LogMaxBackups,
		MaxAgeDays: g.LogMaxAgeDays,
	}
}

// Init configures the logger. It returns a closer for the rotated log file, or nil
// when logging to stderr.
func Init(cfg Config) (io.Closer, error) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.SetFormatter(&log.TextFormatter{})
	}

	lvl, err := log.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return nil, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(rotator)
	return rotator, nil
}

// Component returns an entry tagged with the component field.
func Component(name string) *log.Entry {
	return log.WithField("component", name)
}
