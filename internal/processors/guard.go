package processors

import (
	"context"
	"log/slog"
	"os"
)

// GuardedArchiver retries transient Append failures and short-circuits a
// stream whose appends keep failing.
type GuardedArchiver struct {
	next     Archiver
	retry    RetryPolicy
	breakers *Breakers
	logger   *slog.Logger
}

// Guard wraps next. A nil breakers set disables short-circuiting.
func Guard(next Archiver, retry RetryPolicy, breakers *Breakers, logger *slog.Logger) *GuardedArchiver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &GuardedArchiver{next: next, retry: retry, breakers: breakers, logger: logger}
}

// Append forwards to the wrapped archiver under the retry policy.
func (g *GuardedArchiver) Append(ctx context.Context, stream string, lines []string) error {
	if g.breakers != nil {
		if err := g.breakers.Allow(stream); err != nil {
			return err
		}
	}

	err := g.retry.Do(ctx, func(ctx context.Context) error {
		return g.next.Append(ctx, stream, lines)
	})
	if g.breakers == nil {
		return err
	}
	if err != nil {
		if g.breakers.Failure(stream) == CircuitOpen {
			g.logger.Warn("archive circuit open",
				slog.String("stream", stream),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
	g.breakers.Success(stream)
	return nil
}
