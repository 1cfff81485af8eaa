package log

import (
	"os"

	"github.com/layersweep/layersweep/pkg/config"
	"github.com/sirupsen/logrus"
)

// NewLogger returns a new logger. Verbose runs get leveled text on stderr;
// normal runs only warnings and errors, so the candidate output on stdout
// stays machine-readable.
func NewLogger(config *config.AppConfig) *logrus.Entry {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{}

	if config.Debug || os.Getenv("DEBUG") == "TRUE" {
		log.SetLevel(getLogLevel())
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	return log.WithFields(logrus.Fields{
		"version": config.Version,
		"commit":  config.Commit,
	})
}

func getLogLevel() logrus.Level {
	strLevel := os.Getenv("LOG_LEVEL")
	level, err := logrus.ParseLevel(strLevel)
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}
