// Package scanlog bootstraps structured logging the same way the teacher's
// cmd/get/main.go does (logrus with a text formatter, debug level gated by
// a verbose flag), and hands back a *logrus.Entry that the dispatcher
// extends with scan_id and round fields so every log line it emits can be
// correlated back to one round.
package scanlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New creates a fresh logrus logger (the package-level logger is left
// untouched) and returns a base entry with no fields set yet; callers
// thread WithScan/WithRound off of it.
func New(verbose bool) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return logrus.NewEntry(log)
}

// WithScan returns a derived entry carrying scan_id, used for every log
// line emitted for the lifetime of one dispatcher.start() call.
func WithScan(base *logrus.Entry, scanID string) *logrus.Entry {
	return base.WithField("scan_id", scanID)
}

// WithRound further derives an entry carrying the current round number.
func WithRound(entry *logrus.Entry, round int64) *logrus.Entry {
	return entry.WithField("round", round)
}
