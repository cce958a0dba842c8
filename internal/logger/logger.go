package logger

import (
	"os"
	"strings"

	"github.com/quillpost/api/internal/config"
	"github.com/sirupsen/logrus"
)

// New builds the process logger from config. Unknown levels fall back to info.
func New(cfg *config.LogConfig) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return l
}
