package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// OpenBadger opens the embedded store at dir, routing badger's own logging
// through log.
func OpenBadger(dir string, log *slog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log: log.With("component", "badger")})
	if log.Enabled(context.Background(), slog.LevelDebug) {
		opts = opts.WithLoggingLevel(badger.DEBUG)
	} else {
		opts = opts.WithLoggingLevel(badger.WARNING)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", dir, err)
	}
	return db, nil
}

type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(badgerLine(format, args))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(badgerLine(format, args))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Info(badgerLine(format, args))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(badgerLine(format, args))
}

func badgerLine(format string, args []any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
