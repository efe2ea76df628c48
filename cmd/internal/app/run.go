package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/chatter. args excludes the program
// name; "migrate" applies database migrations and exits, anything else (or
// nothing) serves.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "serve":
		a, err := New(ctx, cfg, log)
		if err != nil {
			return err
		}
		return a.Run(ctx)
	case "migrate":
		if cfg.DatabaseURL == "" {
			return errors.New("migrate: CHATTER_DATABASE_URL is required")
		}
		return Migrate(cfg.DatabaseURL, log)
	default:
		return fmt.Errorf("unknown command %q (want serve or migrate)", cmd)
	}
}
