// Package common provides the shared logging infrastructure for the engine's
// services. Error-level messages route to stderr while everything else goes
// to stdout, so containerized deployments can treat the two streams
// differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines by severity: lines carrying
// "level=error" go to stderr, everything else to stdout. It operates on the
// final formatted output, so it works with both text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer for the OutputSplitter.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance. All services log through it so
// formatting and routing stay uniform; main configures level and format from
// the loaded configuration.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// Critical returns an error-level entry tagged severity=critical. Used for
// conditions that need operator attention beyond a plain error, such as an
// active runbook that no longer parses.
func Critical() *logrus.Entry {
	return Logger.WithField("severity", "critical")
}
