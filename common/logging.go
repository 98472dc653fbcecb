// Package common provides the shared logging and error-classification
// infrastructure for the purchase-order processing platform. Every service
// component (gateway, queues, workflow, matchers, HTTP surface) logs through
// the global Logger defined here so that output routing, formatting, and
// level filtering behave identically across the whole binary.
//
// The logging system is built on logrus for structured logging with a custom
// output writer that separates error-level messages from the rest. In
// containerized deployments stdout and stderr are captured as independent
// streams, which lets the platform's log pipeline alert on the error stream
// while the info stream feeds analytics.
//
// Output Routing:
//
//	Messages formatted with "level=error" (and above) are written to stderr;
//	info, debug, and warning messages are written to stdout. The check is a
//	plain byte scan over the formatted entry, so it works with both the text
//	and JSON formatters.
//
// Usage:
//
//	common.Logger.WithField("component", "workflow").Info("stage completed")
//	common.Logger.WithError(err).Error("extraction call failed")
//
// Subsystems should create one component-scoped entry at construction time
// via Component and hang per-call fields off it.
package common

import (
	"bytes"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log entries to stderr or stdout depending
// on their severity. It operates on the final formatted bytes, after the
// configured logrus formatter has run.
type OutputSplitter struct{}

// Write implements io.Writer. Entries containing an error-or-worse level
// marker go to stderr; everything else goes to stdout. Both target streams
// are safe for concurrent writers, so the splitter needs no locking of its
// own.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) ||
		bytes.Contains(p, []byte("level=fatal")) ||
		bytes.Contains(p, []byte("level=panic")) ||
		bytes.Contains(p, []byte(`"level":"error"`)) ||
		bytes.Contains(p, []byte(`"level":"fatal"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. It is ready to use on import; serve
// startup calls ConfigureLogger once the config has been loaded to apply the
// operator's level and format choices.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Component returns an entry scoped to a named subsystem. All platform
// packages log through a component entry so operators can filter the
// combined stream by subsystem.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

// ConfigureLogger applies the operator-facing logging settings. Unknown
// levels fall back to info, unknown formats to text; a bad logging config
// must never prevent the process from starting.
func ConfigureLogger(level, format string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
