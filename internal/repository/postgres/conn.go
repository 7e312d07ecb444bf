// Package postgres is the persistence layer: mandates with their usage
// history, invoices and their claims, batches, retry records and the
// applied-return ledger all live in one Postgres database.
package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pg          *pgxpool.Pool
	pingTimeout time.Duration
	log         *slog.Logger
}

func New(pool *pgxpool.Pool, pingTimeout time.Duration) *Postgres {
	return &Postgres{
		pg:          pool,
		pingTimeout: pingTimeout,
		log:         slog.With("component", "db"),
	}
}

// Ping probes the database a few times before giving up, so a short
// connection blip during startup or a health check doesn't report the
// store as down.
func (p *Postgres) Ping(ctx context.Context) error {
	ticker := time.NewTicker(p.pingTimeout)
	defer ticker.Stop()

	var err error
	for i := 1; i <= 3; i++ {
		// The pool ping can hang indefinitely on a dead connection, so
		// each attempt gets its own deadline.
		pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout-10*time.Millisecond)
		err = p.pg.Ping(pingCtx)
		cancel()

		if err == nil {
			return nil
		}

		p.log.Info("ping attempt was not successful", "attempt", i, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return err
}
