// Package db provides the persistence gateway and the SQL stores behind the
// workflow engine. The gateway owns the shared pgx connection pool, the
// process-wide warmup barrier, and the transaction-aware retry policy; the
// stores express every query the engine runs.
package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
)

// Querier is the subset of pgx execution methods shared by pools and
// transactions. Store methods that must run inside the persistence-service
// transaction accept a Querier so the same SQL serves both paths.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is what the stores program against. Gateway is the production
// implementation; tests substitute a fake that skips warmup and retries.
type DB interface {
	// Run executes op outside any transaction, applying the transient-error
	// retry policy.
	Run(ctx context.Context, op func(ctx context.Context, q Querier) error) error

	// WithTransaction executes fn inside a bounded transaction with zero
	// retries. The error surfaces to the caller after rollback; conflict
	// resolution belongs in the caller's outer loop, never inside fn.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Querier) error) error
}

// Warmup schedule: the initial attempt plus up to three retries.
var warmupDelays = []time.Duration{
	500 * time.Millisecond,
	1000 * time.Millisecond,
	1500 * time.Millisecond,
}

// Non-transactional query retry schedule.
var queryRetryDelays = []time.Duration{
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

// stepBackOff feeds a fixed delay schedule to backoff.Retry and stops when
// the schedule is exhausted.
type stepBackOff struct {
	delays []time.Duration
	next   int
}

func (b *stepBackOff) NextBackOff() time.Duration {
	if b.next >= len(b.delays) {
		return backoff.Stop
	}
	d := b.delays[b.next]
	b.next++
	return d
}

func (b *stepBackOff) Reset() { b.next = 0 }

// Gateway hands out a warmed connection pool to the rest of the process.
// Construction is cheap; the first Client call performs warmup, and every
// concurrent caller blocks on that same warmup, including health checks.
type Gateway struct {
	cfg config.DatabaseConfig
	log *logrus.Entry

	ready   chan struct{}
	start   sync.Once
	pool    *pgxpool.Pool
	warmErr error

	// injection points for tests; production uses the pgx defaults
	dial  func(ctx context.Context) (*pgxpool.Pool, error)
	probe func(ctx context.Context, pool *pgxpool.Pool) error
}

// NewGateway prepares a gateway for the given database settings without
// connecting. Connection and warmup happen on first use.
func NewGateway(cfg config.DatabaseConfig) *Gateway {
	g := &Gateway{
		cfg:   cfg,
		log:   poflow.Component("db"),
		ready: make(chan struct{}),
	}
	g.dial = g.dialPool
	g.probe = probePool
	return g
}

func (g *Gateway) dialPool(ctx context.Context) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(g.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if g.cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(g.cfg.MaxConnections)
	}
	if g.cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = g.cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return pool, nil
}

// probePool runs the two warmup probe queries. Two round trips make sure
// the pool holds an established connection and the engine answers, not just
// that a TCP dial succeeded.
func probePool(ctx context.Context, pool *pgxpool.Pool) error {
	for i := 0; i < 2; i++ {
		var one int
		if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			return fmt.Errorf("warmup probe %d failed: %w", i+1, err)
		}
	}
	return nil
}

// warm performs the one-shot warmup with the fixed retry schedule.
func (g *Gateway) warm() {
	defer close(g.ready)

	started := time.Now()
	attempt := 0

	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), g.connectTimeout())
		defer cancel()

		pool, err := g.dial(ctx)
		if err != nil {
			g.log.WithError(err).WithField("attempt", attempt).Warn("database warmup dial failed")
			return err
		}
		if err := g.probe(ctx, pool); err != nil {
			pool.Close()
			g.log.WithError(err).WithField("attempt", attempt).Warn("database warmup probe failed")
			return err
		}
		g.pool = pool
		return nil
	}

	err := backoff.Retry(op, &stepBackOff{delays: warmupDelays})
	if err != nil {
		g.warmErr = poflow.Fatal("db.Warmup", err)
		g.log.WithError(err).Error("database warmup exhausted retries")
		return
	}

	g.log.WithFields(logrus.Fields{
		"elapsed":  time.Since(started).String(),
		"attempts": attempt,
	}).Info("database warmup complete")
}

func (g *Gateway) connectTimeout() time.Duration {
	if g.cfg.ConnectTimeout > 0 {
		return g.cfg.ConnectTimeout
	}
	return 10 * time.Second
}

// Client returns the warmed pool, blocking until warmup resolves. Every
// caller takes this path; nothing reaches the pool before the probes pass.
func (g *Gateway) Client(ctx context.Context) (*pgxpool.Pool, error) {
	g.start.Do(func() { go g.warm() })

	select {
	case <-g.ready:
		if g.warmErr != nil {
			return nil, g.warmErr
		}
		return g.pool, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run implements DB. The operation is retried on transient failures with
// the 200/400/800 ms schedule; conflict, validation, and business errors
// surface immediately.
func (g *Gateway) Run(ctx context.Context, op func(ctx context.Context, q Querier) error) error {
	pool, err := g.Client(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = classify(op(ctx, pool))
		if lastErr == nil || !poflow.IsTransient(lastErr) {
			return lastErr
		}
		if attempt >= len(queryRetryDelays) {
			return lastErr
		}
		g.log.WithError(lastErr).WithField("attempt", attempt+1).Debug("retrying transient database error")
		select {
		case <-time.After(queryRetryDelays[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WithTransaction implements DB. The transaction runs under the configured
// hard timeout and is never retried from inside: a retry here would burn
// the transaction budget and guarantee a timeout, so the error aborts the
// transaction and surfaces to the caller's outer loop.
func (g *Gateway) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Querier) error) error {
	pool, err := g.Client(ctx)
	if err != nil {
		return err
	}

	timeout := g.cfg.TransactionTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	txCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := pool.BeginTx(txCtx, pgx.TxOptions{})
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}

	if err := fn(txCtx, tx); err != nil {
		if rbErr := tx.Rollback(txCtx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			g.log.WithError(rbErr).Warn("transaction rollback failed")
		}
		return classify(err)
	}

	if err := tx.Commit(txCtx); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Health verifies the database through the same warmed path normal queries
// take. A health probe that bypassed warmup would report ready before the
// pool can serve anyone.
func (g *Gateway) Health(ctx context.Context) error {
	return g.Run(ctx, func(ctx context.Context, q Querier) error {
		var one int
		if err := q.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			return fmt.Errorf("health probe failed: %w", err)
		}
		return nil
	})
}

// Close releases the pool. Safe to call before warmup ever ran.
func (g *Gateway) Close() {
	g.start.Do(func() {
		g.warmErr = poflow.Fatal("db.Warmup", context.Canceled)
		close(g.ready)
	})
	<-g.ready
	if g.pool != nil {
		g.pool.Close()
	}
}
