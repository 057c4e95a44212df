package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex

	base     *logrus.Logger
	baseOnce sync.Once
)

// NewLogger returns the shared logger for a component, creating it on first use.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}
	entry := root().WithField("component", component)
	loggers[component] = entry
	return entry
}

// Configure applies level and format to every component logger. Empty values
// leave the environment-derived defaults in place.
func Configure(level, format string, out io.Writer) {
	logger := root()
	if level != "" {
		if parsed, err := logrus.ParseLevel(level); err == nil {
			logger.SetLevel(parsed)
		}
	}
	if format != "" {
		logger.SetFormatter(formatter(format))
	}
	if out != nil {
		logger.SetOutput(out)
	}
}

func root() *logrus.Logger {
	baseOnce.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)

		level, err := logrus.ParseLevel(envOrDefault("RELAYSTATE_LOG_LEVEL", "info"))
		if err != nil {
			level = logrus.InfoLevel
		}
		base.SetLevel(level)
		if os.Getenv("RELAYSTATE_LOG_CALLER") == "true" {
			base.SetReportCaller(true)
		}
		base.SetFormatter(formatter(os.Getenv("RELAYSTATE_LOG_FORMAT")))
	})
	return base
}

func formatter(format string) logrus.Formatter {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return &logrus.JSONFormatter{}
	default:
		return &logrus.TextFormatter{FullTimestamp: true}
	}
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
