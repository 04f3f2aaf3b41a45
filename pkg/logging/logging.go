// Package logging constructs the structured logger threaded through a
// HomeStore handle. The teacher repo carries no logging dependency at all,
// so this is new ambient stack grounded on the rest of the retrieved pack
// (operator-framework-operator-registry's go.mod) rather than on the
// teacher itself.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus.Logger configured for HomeStore's boot/recovery/error
// logging. The components that log (device, metablk and pkg/homestore)
// receive this logger (or a field-scoped child of it) explicitly; none of
// them reach for a package-level global (§9 "Global state").
func New(level logrus.Level, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

// Component returns a child logger scoped to a single component name, e.g.
// "device", "blkalloc", "btree".
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}
