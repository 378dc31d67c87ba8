package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/sensei777/Ethplorer"
)

var _ ethplorer.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

func New(l *logrus.Logger, component string) Logger {
	return Logger{E: l.WithField("component", component)}
}

func (l Logger) Debug(msg string, f ethplorer.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f ethplorer.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f ethplorer.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f ethplorer.Fields) { l.with(f).Error(msg) }

// with routes an "err" field through WithError so hooks and formatters see
// it under logrus.ErrorKey.
func (l Logger) with(f ethplorer.Fields) *logrus.Entry {
	e := l.E
	if len(f) == 0 {
		return e
	}
	rest := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			e = e.WithError(err)
			continue
		}
		rest[k] = v
	}
	return e.WithFields(rest)
}
