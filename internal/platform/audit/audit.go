// Package audit records administrative actions such as merge runs.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

type Entry struct {
	Actor       string
	Action      string
	EntityType  string
	EntityID    string
	Status      string
	Description string
	RecordedAt  time.Time
}

type Sink interface {
	Log(ctx context.Context, e Entry) error
}

// -- PostgreSQL --

type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Log(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (actor, action, entity_type, entity_id, status, description, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Actor, e.Action, e.EntityType, e.EntityID, e.Status, e.Description, e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// -- Log --

// LogSink writes entries to the structured log. The CLI uses it when it
// runs without a database-backed sink, and Fanout pairs it with PGSink.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Log(_ context.Context, e Entry) error {
	evt := s.logger.Info()
	if e.Status == StatusFailure {
		evt = s.logger.Warn()
	}
	evt.
		Str("type", "audit").
		Str("actor", e.Actor).
		Str("action", e.Action).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID).
		Str("status", e.Status).
		Msg(e.Description)
	return nil
}

// Fanout sends every entry to each sink and returns the first error.
type Fanout []Sink

func (f Fanout) Log(ctx context.Context, e Entry) error {
	var first error
	for _, s := range f {
		if err := s.Log(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
