package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/sensei777/Ethplorer"
)

var _ ethplorer.Logger = Logger{}

// Logger adapts a *zap.Logger. Error values are logged with zap.NamedError so
// they keep their structured form in JSON output.
type Logger struct{ L *zap.Logger }

func New(l *zap.Logger, component string) Logger {
	return Logger{L: l.With(zap.String("component", component))}
}

func (z Logger) Debug(msg string, f ethplorer.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f ethplorer.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f ethplorer.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f ethplorer.Fields) { z.L.Error(msg, fields(f)...) }

func fields(f ethplorer.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
