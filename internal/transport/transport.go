// Package transport defines the stream-transport contract and a
// reference implementation backed by go.etcd.io/bbolt.
//
// The contract is the one the rest of the core is written against; a
// production deployment would implement it over a real broker (e.g.
// Redis Streams) with server-side Lua scripts providing the atomic
// compare semantics. The bbolt implementation here gives the same
// atomicity guarantee (every Transport method commits inside a single
// bbolt transaction, so no caller ever observes a partial
// read-then-write) without being a network service — it is the
// reference backing store the rest of this module is built and tested
// against, not the production transport.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is not returned by the bbolt implementation: absence of
// entries is a normal empty result, not this error. It is exported for
// implementations that need to distinguish "stream does not exist" from
// "stream exists, empty".
var ErrNotFound = errors.New("transport: not found")

// StreamEntry is an immutable, appended record in a stream. ID is an
// opaque, monotonically increasing identifier assigned by the
// transport at append time.
type StreamEntry struct {
	ID        string
	Fields    map[string]string
	Timestamp time.Time
}

// PendingEntry describes one entry in a consumer group's PEL.
type PendingEntry struct {
	ID            string
	Consumer      string
	IdleTime      time.Duration
	DeliveryCount int64
}

// Transport is the contract every write method with compare semantics
// MUST implement atomically — no caller ever performs a client-side
// read-then-write of a lease key.
type Transport interface {
	// Append adds fields as a new entry to stream, trimming the stream
	// to maxlen entries (0 disables trimming) in the same atomic step.
	// Returns the assigned entry ID.
	Append(ctx context.Context, stream string, fields map[string]string, maxlen int64) (string, error)

	// ReadGroup reads up to count new entries for group/consumer,
	// blocking up to block for entries to arrive. A zero block returns
	// immediately with whatever is available (possibly none).
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error)

	// Ack acknowledges ids for group, removing them from the PEL.
	// Re-acknowledging an already-acked id is a no-op. Returns the
	// number of ids actually removed.
	Ack(ctx context.Context, stream, group string, ids []string) (int64, error)

	// ListPending returns PEL entries for group, optionally filtered to
	// those idle at least minIdle (0 disables the filter), newest-PEL-
	// state as of the call.
	ListPending(ctx context.Context, stream, group string, minIdle time.Duration) ([]PendingEntry, error)

	// Claim reassigns ids to consumer if they have been idle at least
	// minIdle, incrementing their delivery count, and returns their
	// current field data.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]StreamEntry, error)

	// Range reads up to count entries from stream strictly after
	// afterID (empty afterID starts from the beginning), without
	// consumer-group bookkeeping. Used for DLQ scanning and replay
	// pagination, which read the same entries repeatedly rather than
	// cursoring forward permanently.
	Range(ctx context.Context, stream, afterID string, count int64) ([]StreamEntry, error)

	// EnsureGroup creates group on stream if it does not already exist;
	// a new group's first read starts from the oldest retained entry.
	// Idempotent.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Len returns the current number of entries retained in stream.
	Len(ctx context.Context, stream string) (int64, error)

	// GroupInfo reports summary statistics for group on stream:
	// pending count, distinct consumer count, and lag (entries in the
	// stream the group has not yet delivered).
	GroupInfo(ctx context.Context, stream, group string) (pending int64, consumers int64, lag int64, err error)

	// SetIfAbsent atomically creates key=value with the given TTL only
	// if key does not currently exist. Returns true on success.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndExtend atomically renews key's TTL only if its current
	// value equals expected. Returns true on success, false if the
	// value did not match (or the key is absent/expired).
	CompareAndExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	// CompareAndDelete atomically deletes key only if its current
	// value equals expected. Returns true if the key was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Close releases any resources held by the transport.
	Close() error
}
