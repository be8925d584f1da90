// Package errdefs defines the error kinds surfaced by the pipeline engine.
// Every typed error matches its sentinel through errors.Is so callers can
// branch on the kind without caring about the concrete type.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration reports invalid parameters (budget, thread count, sizes).
	ErrConfiguration = errors.New("configuration error")

	// ErrRegionUnavailable reports a requested region that does not overlap
	// the largest possible region of the data it was requested from.
	ErrRegionUnavailable = errors.New("region unavailable")

	// ErrComputation reports that one or more tiles failed during an executor run.
	ErrComputation = errors.New("computation failure")

	// ErrStreamingWrite reports a sink failure while streaming.
	ErrStreamingWrite = errors.New("streaming write failure")

	// ErrAborted reports a cooperative cancellation between tiles.
	ErrAborted = errors.New("aborted")

	// ErrOutOfRange is carried by the panic raised on out-of-allocation buffer access.
	ErrOutOfRange = errors.New("index out of range")
)

// ConfigurationError describes which parameter was rejected.
type ConfigurationError struct {
	Field  string
	Reason string
}

// Configuration builds a ConfigurationError.
func Configuration(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrConfiguration, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrConfiguration, e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// RegionUnavailableError is returned when a request cannot be satisfied by
// the producing node's largest possible region.
type RegionUnavailableError struct {
	Node      string
	Requested fmt.Stringer
	Largest   fmt.Stringer
}

func (e *RegionUnavailableError) Error() string {
	return fmt.Sprintf("%v: %s: requested %v outside largest possible region %v",
		ErrRegionUnavailable, e.Node, e.Requested, e.Largest)
}

func (e *RegionUnavailableError) Is(target error) bool { return target == ErrRegionUnavailable }

// ComputationFailure aggregates the errors of every failed tile of one
// executor run. Err is the combined cause.
type ComputationFailure struct {
	Node        string
	FailedTiles []int
	Err         error
}

func (e *ComputationFailure) Error() string {
	tiles := make([]string, len(e.FailedTiles))
	for i, t := range e.FailedTiles {
		tiles[i] = fmt.Sprint(t)
	}
	msg := fmt.Sprintf("%v", ErrComputation)
	if e.Node != "" {
		msg += ": " + e.Node
	}
	return fmt.Sprintf("%s: tiles [%s] failed: %v", msg, strings.Join(tiles, ","), e.Err)
}

func (e *ComputationFailure) Is(target error) bool { return target == ErrComputation }

func (e *ComputationFailure) Unwrap() error { return e.Err }

// StreamingWriteFailure wraps the sink error raised while writing tile Tile.
type StreamingWriteFailure struct {
	Tile   int
	Region fmt.Stringer
	Err    error
}

func (e *StreamingWriteFailure) Error() string {
	return fmt.Sprintf("%v: tile %d %v: %v", ErrStreamingWrite, e.Tile, e.Region, e.Err)
}

func (e *StreamingWriteFailure) Is(target error) bool { return target == ErrStreamingWrite }

func (e *StreamingWriteFailure) Unwrap() error { return e.Err }

// OutOfRangeError is the panic value used by buffers on invalid access.
type OutOfRangeError struct {
	Index     []int
	Band      int
	Allocated fmt.Stringer
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%v: index %v band %d not in %v", ErrOutOfRange, e.Index, e.Band, e.Allocated)
}

func (e *OutOfRangeError) Is(target error) bool { return target == ErrOutOfRange }
