// Package warm keeps shared toolchain caches hot by periodically
// building a throwaway contract, so the first real job does not pay the
// cold-cache penalty.
package warm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"github.com/forever8896/web3summit-hackaton-pop-server/internal/model"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/toolchain"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/workspace"
)

const scratchSource = "// scratch crate used to warm toolchain caches\n"

// Warmer owns the warm-up schedule.
type Warmer struct {
	scheduler gocron.Scheduler
	tc        *toolchain.Toolchain
	ws        *workspace.Manager
}

// New validates cfg and prepares the schedule; the cron expression wins
// over the duration when both are set. Returns nil when warming is
// disabled.
func New(ctx context.Context, cfg model.WarmConfig, tc *toolchain.Toolchain, ws *workspace.Manager) (*Warmer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	w := &Warmer{tc: tc, ws: ws}

	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if err := ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing warm.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
	case cfg.Every > 0:
		job = gocron.DurationJob(cfg.Every)
	default:
		return nil, errors.New("warm.enabled is set but both warm.cron and warm.every are empty")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		job,
		gocron.NewTask(func() {
			if err := w.WarmOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "cache warm-up failed", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}

	w.scheduler = scheduler
	return w, nil
}

// Start begins the schedule.
func (w *Warmer) Start() {
	w.scheduler.Start()
}

// Shutdown stops the schedule.
func (w *Warmer) Shutdown() error {
	return w.scheduler.Shutdown()
}

// WarmOnce runs one warm-up build in a scratch workspace that is removed
// on every path.
func (w *Warmer) WarmOnce(ctx context.Context) error {
	return Once(ctx, w.tc, w.ws)
}

// Once is the single warm-up pass, usable without a schedule.
func Once(ctx context.Context, tc *toolchain.Toolchain, ws *workspace.Manager) error {
	dir, err := ws.Create("cache_warmup", scratchSource)
	if err != nil {
		return fmt.Errorf("preparing warm-up workspace: %w", err)
	}
	defer ws.Remove(dir)

	slog.DebugContext(ctx, "warming toolchain cache", "dir", dir)
	return tc.WarmCache(ctx, dir)
}

// ParseCron validates a 5-field cron expression or an @macro/@every
// spec; it returns an error when the expression cannot be scheduled.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return fmt.Errorf("empty cron expression")
	}

	// macros and @every are handled by ParseStandard
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser5.Parse(e)
	return err
}
