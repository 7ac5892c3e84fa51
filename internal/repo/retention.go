package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Retention prunes cached messages older than Period on a cron schedule.
type Retention struct {
	DB     *gorm.DB
	Cron   string
	Period time.Duration
	Logger *zerolog.Logger

	// Now and After are replaceable for tests.
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// Validate checks the cron expression and period.
func (r *Retention) Validate() error {
	if !gronx.IsValid(r.Cron) {
		return fmt.Errorf("repo: invalid retention cron expression %q", r.Cron)
	}
	if r.Period <= 0 {
		return fmt.Errorf("repo: retention period must be > 0, got %s", r.Period)
	}
	return nil
}

// RunOnce deletes messages created before now-Period.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.Period)
	n, err := PruneBefore(ctx, r.DB, cutoff)
	if err != nil {
		return 0, err
	}
	ev := r.logger().Info().Int64("deleted", n).Time("cutoff", cutoff)
	if left, err := TotalMessages(ctx, r.DB); err == nil {
		ev = ev.Int64("remaining", left)
	}
	ev.Msg("cache retention run")
	return n, nil
}

// Run blocks until ctx is cancelled, pruning at every cron tick.
func (r *Retention) Run(ctx context.Context) error {
	if err := r.Validate(); err != nil {
		return err
	}
	lg := r.logger()
	lg.Info().Str("cron", r.Cron).Dur("period", r.Period).Msg("cache retention scheduler started")

	for {
		next, err := gronx.NextTickAfter(r.Cron, r.now().UTC(), false)
		wait := 30 * time.Second
		if err != nil {
			lg.Error().Err(err).Str("cron", r.Cron).Msg("retention next tick failed")
		} else if wait = next.Sub(r.now().UTC()); wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			lg.Info().Msg("cache retention scheduler stopping")
			return nil
		case <-r.after(wait):
		}
		if err != nil {
			continue
		}
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			lg.Error().Err(err).Msg("cache retention run failed")
		}
	}
}

func (r *Retention) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Retention) after(d time.Duration) <-chan time.Time {
	if r.After != nil {
		return r.After(d)
	}
	return time.After(d)
}

func (r *Retention) logger() *zerolog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return &log.Logger
}
