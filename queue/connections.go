// Package queue implements the broker-backed job substrate for the stage
// pipeline: named FIFO queues with at-least-once delivery, delayed jobs,
// per-job visibility locks with renewal, stall detection, and a per-queue
// rate limiter. All queues share exactly three broker connections.
package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"poflow.merchantry.io/config"
)

// Role names one of the three shared broker connections.
type Role string

const (
	// RoleCommands serves request/response commands: enqueue, counters,
	// locks, stage-store reads and writes.
	RoleCommands Role = "commands"

	// RoleBlocking serves the blocking list reads of the dispatcher. Kept
	// separate so a blocked read never starves a command.
	RoleBlocking Role = "blocking"

	// RoleSubscribe serves the progress-bus subscription. A subscribed
	// connection cannot issue regular commands, so it gets its own.
	RoleSubscribe Role = "subscribe"
)

// CreateClient builds the broker client for one role. Injectable so tests
// point all three roles at an in-process broker.
type CreateClient func(role Role) (*redis.Client, error)

// Connections holds the three shared broker connections. Every broker-backed
// component in the process (queues, progress bus, PO locks, stage store,
// reconcile lease) works through these; nothing opens private connections.
// With N queues this saves 3·(N-1) connections against a per-queue layout,
// which is the difference between fitting a managed broker plan or not.
type Connections struct {
	// Commands is the request/response connection.
	Commands *redis.Client

	// Blocking is the dispatcher's blocking-read connection.
	Blocking *redis.Client

	// Subscribe is the pub/sub connection.
	Subscribe *redis.Client
}

// NewConnections opens the three shared connections. When createClient is
// nil, clients are built from the configured broker URL with a pool size of
// one so each role really is one connection.
func NewConnections(ctx context.Context, cfg config.BrokerConfig, createClient CreateClient) (*Connections, error) {
	if createClient == nil {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse broker url: %w", err)
		}
		createClient = func(role Role) (*redis.Client, error) {
			o := *opts
			o.PoolSize = 1
			o.MinIdleConns = 0
			return redis.NewClient(&o), nil
		}
	}

	conns := &Connections{}
	for _, bind := range []struct {
		role Role
		dst  **redis.Client
	}{
		{RoleCommands, &conns.Commands},
		{RoleBlocking, &conns.Blocking},
		{RoleSubscribe, &conns.Subscribe},
	} {
		client, err := createClient(bind.role)
		if err != nil {
			conns.Close()
			return nil, fmt.Errorf("failed to create %s broker client: %w", bind.role, err)
		}
		*bind.dst = client
	}

	if err := conns.Commands.Ping(ctx).Err(); err != nil {
		conns.Close()
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return conns, nil
}

// Ping verifies the command connection.
func (c *Connections) Ping(ctx context.Context) error {
	return c.Commands.Ping(ctx).Err()
}

// Close releases all three connections. Serverless runtimes reuse broker
// pools across invocations, so shutdown must close these explicitly.
func (c *Connections) Close() error {
	var firstErr error
	for _, client := range []*redis.Client{c.Commands, c.Blocking, c.Subscribe} {
		if client == nil {
			continue
		}
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
