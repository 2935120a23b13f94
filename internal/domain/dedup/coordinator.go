package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicops/crm/internal/config"
	"github.com/clinicops/crm/internal/platform/db"
)

// errDryRun makes Store.InTx roll back a group whose work succeeded.
var errDryRun = errors.New("dry run: rolling back")

// Coordinator runs one group's remap-then-delete work as a single bounded
// transaction and retries it when the database reports a transient conflict.
type Coordinator struct {
	store  Store
	cfg    config.DedupConfig
	logger zerolog.Logger
	tracer trace.Tracer
}

func NewCoordinator(store Store, cfg config.DedupConfig, logger zerolog.Logger, tracer trace.Tracer) *Coordinator {
	return &Coordinator{store: store, cfg: cfg, logger: logger, tracer: tracer}
}

// Run executes fn for group. fn must be safe to call more than once: each
// attempt gets a fresh transaction and nothing from a failed attempt is kept.
// With dryRun the transaction is rolled back after fn succeeds. Failures come
// back as *TransactionError.
func (c *Coordinator) Run(ctx context.Context, group string, dryRun bool, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := c.tracer.Start(ctx, "dedup.group", trace.WithAttributes(
		attribute.String("dedup.group", group),
		attribute.Bool("dedup.dry_run", dryRun),
	))
	defer span.End()

	start := time.Now()
	attempts := c.cfg.TxRetryAttempts
	if attempts == 0 {
		attempts = 1
	}

	err := retry.Do(
		func() error { return c.attempt(ctx, dryRun, fn) },
		retry.Attempts(attempts),
		retry.Delay(c.cfg.TxRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(db.IsTransient),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			// Also called after the final attempt, which is not retried.
			if n+1 >= attempts {
				return
			}
			c.logger.Warn().Err(err).Str("group", group).Uint("attempt", n+1).Msg("transient failure, retrying group")
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "group rolled back")
		c.logger.Error().Err(err).Str("group", group).Dur("elapsed", time.Since(start)).Msg("group rolled back")
		return &TransactionError{Group: group, Err: err}
	}

	c.logger.Info().Str("group", group).Bool("dry_run", dryRun).Dur("elapsed", time.Since(start)).Msg("group committed")
	return nil
}

func (c *Coordinator) attempt(ctx context.Context, dryRun bool, fn func(ctx context.Context, tx Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout)
	defer cancel()

	err := c.store.InTx(txCtx, func(ctx context.Context, tx Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if dryRun {
			return errDryRun
		}
		return nil
	})
	if errors.Is(err, errDryRun) {
		return nil
	}
	return err
}

// chunks splits ids into slices of at most size elements.
func chunks(ids []uuid.UUID, size int) [][]uuid.UUID {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]uuid.UUID
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

// deleteInChunks runs del over ids in batches and returns the total deleted.
func deleteInChunks(ctx context.Context, ids []uuid.UUID, size int, del func(context.Context, []uuid.UUID) (int64, error)) (int64, error) {
	var total int64
	for _, batch := range chunks(ids, size) {
		n, err := del(ctx, batch)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
