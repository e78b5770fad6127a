package business

import (
	"context"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/stafflow/authkit/internal/config"
)

// HousekeeperMain runs the periodic sweeps: expired sessions, stale refresh
// tokens and aged oauth states.
func HousekeeperMain(ctx context.Context, cfg *config.Config) error {
	core, closeFn, err := InitCore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the auth core: %w", err)
	}
	defer closeFn()

	c := time.Tick(cfg.Housekeeper.SweepInterval)
	for {
		sweep(ctx, core, cfg.Housekeeper.Retention)

		select {
		case <-c:
			continue
		case <-ctx.Done():
			return nil
		}
	}
}

func sweep(ctx context.Context, core *Core, retention time.Duration) {
	if n, err := core.Sessions.SweepExpired(ctx); err != nil {
		slogctx.Error(ctx, "Error sweeping expired sessions", "error", err)
	} else if n > 0 {
		slogctx.Info(ctx, "Swept expired sessions", "count", n)
	}

	if n, err := core.Tokens.Cleanup(ctx, retention); err != nil {
		slogctx.Error(ctx, "Error cleaning up refresh tokens", "error", err)
	} else if n > 0 {
		slogctx.Info(ctx, "Cleaned up stale refresh tokens", "count", n)
	}

	if n, err := core.States.Sweep(ctx); err != nil {
		slogctx.Error(ctx, "Error sweeping oauth states", "error", err)
	} else if n > 0 {
		slogctx.Info(ctx, "Swept expired oauth states", "count", n)
	}
}
