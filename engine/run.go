package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Kick nudges the daemon to tick immediately instead of waiting for the
// next poll. Safe to call from any goroutine; redundant kicks coalesce.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run starts the worker lanes and blocks until the context is cancelled.
// Each lane waits for a poll tick or a kick, then drains ticks until no
// runnable file remains. Lanes are safe to run concurrently: file and chunk
// acquisition lock rows, and the rate gate is shared process-wide through
// the classifier.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < e.cfg.Workers; i++ {
		lane := i
		g.Go(func() error {
			return e.runLane(ctx, lane)
		})
	}

	return g.Wait()
}

func (e *Engine) runLane(ctx context.Context, lane int) error {
	log := e.log.With(slog.Int("lane", lane))
	log.Info("worker lane started", slog.Duration("poll_interval", e.cfg.PollInterval))

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker lane stopping")
			return nil
		case <-ticker.C:
		case <-e.kick:
		}

		for {
			worked, err := e.Tick(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("tick failed", slog.String("error", err.Error()))
				break
			}
			if !worked {
				break
			}
		}
	}
}
