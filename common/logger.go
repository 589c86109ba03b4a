package common

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// ConfigureLogger applies the runtime logging settings to the global Logger.
// Unknown levels fall back to info, unknown formats to text.
func ConfigureLogger(level, format string) {
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	Logger.SetLevel(parsed)

	if strings.EqualFold(format, "json") {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
