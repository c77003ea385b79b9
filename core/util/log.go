package util

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger returns the logger shared by every stage.
func NewLogger(out io.Writer, debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}
