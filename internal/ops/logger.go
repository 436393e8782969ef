// Package ops is the logging facade used by every component of the
// collector. It wraps logrus the way the teacher's go/ops package wraps it
// for Flow's shard logs: a thin adapter rather than a bespoke logger.
package ops

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Init configures the standard logrus logger for the process. debug selects
// the development verbosity used by the original collector's non-production
// mode; otherwise info-level structured logging is used.
func Init(debug bool) {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// For returns a logger scoped to a named component (rotator, backup,
// stream, snapshot, control, supervisor, …), mirroring the "component"
// field convention used across the example pack's background services.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
