// Package klog configures the kernel logger. Subsystems log through logrus
// entries tagged with a "source" field; the sink is the UART on hardware and
// stderr in the host tools.
package klog

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var root = logrus.New()

func init() {
	root.SetFormatter(formatter())
	root.SetLevel(logrus.InfoLevel)
}

func formatter() logrus.Formatter {
	// The kernel has no wall clock during bring-up.
	return &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
		DisableSorting:   false,
	}
}

// Init points the kernel logger at w and sets its level ("debug", "info", ...).
func Init(w io.Writer, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "klog: bad level %q", level)
	}
	root.SetOutput(w)
	root.SetLevel(lvl)
	return nil
}

// Logger returns the root logger.
func Logger() *logrus.Logger {
	return root
}

// New returns an entry for the named subsystem.
func New(source string) *logrus.Entry {
	return root.WithField("source", source)
}
