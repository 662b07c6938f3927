package origin

import (
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"
)

// badgerLogger adapts slog.Logger to badger.Logger
type badgerLogger struct {
	slogger *slog.Logger
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.slogger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.slogger.Warn(fmt.Sprintf(format, args...))
}

// badger is chatty at info; keep it at debug.
func (b *badgerLogger) Infof(format string, args ...interface{}) {
	b.slogger.Debug(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {
	b.slogger.Debug(fmt.Sprintf(format, args...))
}

func newBadgerLogger(slogger *slog.Logger) badger.Logger {
	return &badgerLogger{slogger: slogger}
}
