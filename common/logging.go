// Package common provides centralized logging infrastructure for the pixelpipe
// services. The logging system is built on logrus with custom output handling
// that directs error-level messages to stderr while sending other levels to
// stdout, enabling proper stream separation for containerized environments.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on their
// severity level. Monitoring systems can then treat the error stream with
// higher priority than the general log stream.
type OutputSplitter struct{}

// Write implements io.Writer. Error-level lines go to stderr, everything else
// to stdout. Both the text and JSON formatter encodings are recognized.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all pixelpipe packages.
// It is pre-configured with the OutputSplitter; services may further customize
// the formatter and level after startup:
//
//	common.Logger.SetFormatter(&logrus.JSONFormatter{})
//	common.Logger.SetLevel(logrus.InfoLevel)
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
