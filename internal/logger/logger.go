// Package logger provides the structured logger used throughout zest-swarm.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is a leveled, structured logger. Every package in this module
// takes one of these rather than reaching for a package-level global.
type Logger struct {
	entry *logrus.Entry
}

var (
	baseOnce sync.Once
	base     *logrus.Logger
)

func baseLogger() *logrus.Logger {
	baseOnce.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return base
}

// New returns a Logger scoped to the given component name, e.g. "swarm"
// or "dht". The name is attached as a structured field on every line.
func New(component string) Logger {
	return Logger{entry: logrus.NewEntry(baseLogger()).WithField("component", component)}
}

// SetLevel sets the minimum level logged by every Logger sharing the
// package-level backend (debug, info, warn, error).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	baseLogger().SetLevel(lvl)
	return nil
}

// With returns a derived Logger carrying an additional structured field,
// e.g. l.With("addr", peerAddr) to tag every subsequent line with the peer.
func (l Logger) With(key string, value interface{}) Logger {
	return Logger{entry: l.entry.WithField(key, value)}
}

func (l Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l Logger) Debugln(args ...interface{}) { l.entry.Debugln(args...) }
func (l Logger) Infoln(args ...interface{})  { l.entry.Infoln(args...) }
func (l Logger) Warnln(args ...interface{})  { l.entry.Warnln(args...) }
func (l Logger) Errorln(args ...interface{}) { l.entry.Errorln(args...) }
