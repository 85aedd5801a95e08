package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	baseLogger *logrus.Logger
	mu         sync.Mutex
)

// Init configures the process-wide logger. Calling it again reconfigures the
// same logger so package-level component entries stay valid.
func Init(level, format string) *logrus.Logger {
	l := L()

	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:          true,
			TimestampFormat:        "2006-01-02T15:04:05-07:00",
			PadLevelText:           true,
			DisableLevelTruncation: true,
		})
	}

	parsedLevel, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsedLevel = logrus.InfoLevel
	}
	l.SetLevel(parsedLevel)

	return l
}

// SetOutput redirects the process-wide logger, mostly for tests.
func SetOutput(w io.Writer) {
	L().SetOutput(w)
}

// L returns the process-wide logger.
func L() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()

	if baseLogger == nil {
		l := logrus.New()
		l.SetOutput(os.Stdout)
		baseLogger = l
	}
	return baseLogger
}

// C returns a logger entry tagged with the given component.
func C(component string) *logrus.Entry {
	return L().WithField("component", component)
}
