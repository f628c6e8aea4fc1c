package mediagraph

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var pkgLogger atomic.Pointer[logrus.Logger]

// SetLogger replaces the logger used by the package. Passing nil restores
// the logrus standard logger.
func SetLogger(l *logrus.Logger) {
	pkgLogger.Store(l)
}

func log() *logrus.Entry {
	l := pkgLogger.Load()
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("component", "mediagraph")
}
