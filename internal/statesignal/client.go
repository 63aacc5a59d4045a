// Package statesignal is a small rendezvous protocol over Redis. Replicas
// of a multi-run meet at named barriers and follow a shared state, keyed by
// run id so concurrent runs against one server do not interfere.
package statesignal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "local-ci"

// Client talks to the synchronization endpoint.
type Client struct {
	rdb *redis.Client
}

// New creates a client for the server at addr (host:port).
func New(addr string) (*Client, error) {
	if addr == "" {
		return nil, errors.New("state signal server address is required")
	}
	return &Client{rdb: redis.NewClient(&redis.Options{Addr: addr})}, nil
}

func runKey(runID string, parts ...string) string {
	return strings.Join(append([]string{keyPrefix, runID}, parts...), ":")
}

func channel(runID string) string {
	return runKey(runID, "events")
}

// Ping checks the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Reset clears every barrier and state recorded for runID.
func (c *Client) Reset(ctx context.Context, runID string) error {
	iter := c.rdb.Scan(ctx, 0, runKey(runID, "*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to list keys of run %s: %w", runID, err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Arrive records one party at barrier and returns how many have arrived.
func (c *Client) Arrive(ctx context.Context, runID, barrier string) (int64, error) {
	n, err := c.rdb.Incr(ctx, runKey(runID, "barrier", barrier)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to arrive at %s: %w", barrier, err)
	}
	if err := c.rdb.Publish(ctx, channel(runID), barrierEvent(barrier, n)).Err(); err != nil {
		return n, fmt.Errorf("failed to announce arrival at %s: %w", barrier, err)
	}
	return n, nil
}

// Wait arrives at barrier and blocks until parties have arrived or ctx is
// done.
func (c *Client) Wait(ctx context.Context, runID, barrier string, parties int64) error {
	// Subscribe before arriving so the last arrival cannot be missed.
	sub := c.rdb.Subscribe(ctx, channel(runID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	n, err := c.Arrive(ctx, runID, barrier)
	if err != nil {
		return err
	}
	if n >= parties {
		return nil
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("subscription closed")
			}
			name, count, ok := parseBarrierEvent(msg.Payload)
			if ok && name == barrier && count >= parties {
				return nil
			}
		}
	}
}

// Publish sets the run's shared state and notifies subscribers.
func (c *Client) Publish(ctx context.Context, runID, state string) error {
	if err := c.rdb.Set(ctx, runKey(runID, "state"), state, 0).Err(); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	return c.rdb.Publish(ctx, channel(runID), "state "+state).Err()
}

// State returns the run's shared state, or "" when none was published.
func (c *Client) State(ctx context.Context, runID string) (string, error) {
	state, err := c.rdb.Get(ctx, runKey(runID, "state")).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return state, err
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func barrierEvent(barrier string, n int64) string {
	return "barrier " + barrier + " " + strconv.FormatInt(n, 10)
}

func parseBarrierEvent(payload string) (string, int64, bool) {
	rest, ok := strings.CutPrefix(payload, "barrier ")
	if !ok {
		return "", 0, false
	}
	i := strings.LastIndexByte(rest, ' ')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[:i], n, true
}
