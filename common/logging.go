// Package common provides the shared logging infrastructure for WorkHub
// services. It routes error-level output to stderr and everything else to
// stdout so containerized deployments can treat the two streams differently,
// and exposes a global logrus instance used across all packages.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout based on
// their level. It operates on the final formatted output, so it works with
// both the text and JSON logrus formatters.
type OutputSplitter struct{}

// Write sends lines containing "level=error" to stderr and everything else
// to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger for WorkHub services. Components that want
// scoped fields should derive an entry via Logger.WithField and carry it in
// their Config.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
