// Package log provides logging services. All logging goes through this layer so that we can
// easily change the logging implementation.
package log

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

const moduleField = "module"

// Init sets up the formatter and level of the standard logger. Every entry handed
// out by NewWithPrefix shares it.
func Init(level string, json bool) error {
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return SetLevelFromString(level)
}

// NewWithPrefix returns an entry on the standard logger tagged with the module name.
func NewWithPrefix(prefix string) *logrus.Entry {
	return logrus.WithField(moduleField, prefix)
}

// New returns an entry on a private logger writing to out. Used where a component
// needs its own output, mostly tests.
func New(out io.Writer, prefix string, level logrus.Level) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	return l.WithField(moduleField, prefix)
}

func ParseLevel(level string) (logrus.Level, error) {
	switch level {
	case "": // Default choice.
		return logrus.InfoLevel, nil
	case "trace", "debug", "info", "warn", "error":
		return logrus.ParseLevel(level)
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown loglevel: %s", level)
	}
}

func SetLevelFromString(level string) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(l)
	return nil
}
