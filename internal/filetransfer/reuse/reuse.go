// Package reuse implements the content-addressed reuse cache (C5): a
// reservation-based store keyed by (checksum, checksum-type, tag) that lets
// a receiver short-circuit a transfer when it already holds the exact
// content a sender is about to send (spec §4.5, property P8).
package reuse

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned by RetrieveFile when no cached object
// matches the requested checksum/type/tag.
var ErrObjectNotFound = errors.New("reuse: object not found")

// ErrReservationRequired is returned by CacheFile when called without a
// live reservation: the cache's core invariant is "no reservation, no
// ingestion" (spec §4.5).
var ErrReservationRequired = errors.New("reuse: caching requires a live reservation")

// Cache is the reuse cache's public contract. Implementations back it with
// SQLite (a single execution host's local cache) or Postgres (a cache
// shared across a pool of execution hosts).
type Cache interface {
	// RetrieveFile places the cached object matching (checksum, checksumType,
	// tag) at destPath if one exists and the tag is authorised to read it.
	// A miss returns ErrObjectNotFound; callers must treat that as
	// non-fatal and fall back to a normal transfer (spec §4.5).
	RetrieveFile(ctx context.Context, destPath, checksum, checksumType, tag string) error

	// ReserveSpace reserves bytes of capacity under tag for ttlSeconds,
	// returning a reservation ID. The reservation must be released exactly
	// once, on every exit path, whether or not CacheFile is ever called.
	ReserveSpace(ctx context.Context, bytes int64, ttlSeconds int64, tag string) (reservationID string, err error)

	// CacheFile ingests srcPath's content under an existing reservation.
	// Calling this without ReserveSpace having succeeded first is a
	// programming error (ErrReservationRequired).
	CacheFile(ctx context.Context, srcPath, checksum, checksumType, reservationID string) error

	// Release frees a reservation. Release must be idempotent: releasing
	// an already-released or unknown reservation ID is not an error.
	Release(ctx context.Context, reservationID string) error
}

// Query is one entry of a reuse-info request/response exchanged over the
// wire under sub-command 8 (spec §3 "Reuse request/response").
type Query struct {
	FileName     string
	Checksum     string
	ChecksumType string
	Tag          string
	Size         int64
}
