// Package executor runs a per-tile function over a fixed set of workers.
package executor

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/multierr"

	"rasterstream/internal/logging"
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/region"
)

// TileFunc computes one tile. threadID is in [0, Workers()) and is stable for
// a given tile index and worker count.
type TileFunc func(ctx context.Context, tile region.Region, threadID int) error

// Executor is a fixed size pool. Tile i always runs on worker i mod Workers(),
// so per-thread state sees the same tiles on every run.
type Executor struct {
	workers int
	log     logrus.FieldLogger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used to report failed tiles.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Executor) { e.log = l }
}

// New returns an executor with the given number of workers.
func New(workers int, opts ...Option) (*Executor, error) {
	if workers <= 0 {
		return nil, errdefs.Configuration("threads", "must be positive, got %d", workers)
	}
	e := &Executor{workers: workers, log: logging.Discard()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Default returns an executor with one worker per CPU.
func Default() *Executor {
	e, _ := New(runtime.NumCPU())
	return e
}

// Workers is the pool size.
func (e *Executor) Workers() int { return e.workers }

type tileError struct {
	tile int
	err  error
}

// Run calls fn for every tile and returns once all workers are done. When a
// tile fails (error or panic) the remaining tiles that have not started are
// skipped; tiles already running finish. All failures are reported together
// as an errdefs.ComputationFailure. A cancelled ctx stops the run between
// tiles and yields errdefs.ErrAborted.
func (e *Executor) Run(ctx context.Context, tiles []region.Region, fn TileFunc) error {
	if len(tiles) == 0 {
		return nil
	}
	n := min(e.workers, len(tiles))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failed   atomic.Bool
		skipped  atomic.Int64
		failures []tileError
	)
	for w := 0; w < n; w++ {
		wg.Add(1)
		go func(threadID int) {
			defer wg.Done()
			for i := threadID; i < len(tiles); i += n {
				if failed.Load() || ctx.Err() != nil {
					skipped.Add(1)
					continue
				}
				var err error
				var pc panics.Catcher
				pc.Try(func() { err = fn(ctx, tiles[i], threadID) })
				if rec := pc.Recovered(); rec != nil {
					err = rec.AsError()
				}
				if err != nil {
					failed.Store(true)
					mu.Lock()
					failures = append(failures, tileError{tile: i, err: err})
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	if len(failures) > 0 {
		sort.Slice(failures, func(a, b int) bool { return failures[a].tile < failures[b].tile })
		cf := &errdefs.ComputationFailure{}
		for _, f := range failures {
			cf.FailedTiles = append(cf.FailedTiles, f.tile)
			cf.Err = multierr.Append(cf.Err, fmt.Errorf("tile %d %v: %w", f.tile, tiles[f.tile], f.err))
		}
		e.log.WithFields(logrus.Fields{
			"failed":  cf.FailedTiles,
			"skipped": skipped.Load(),
		}).Debug("executor run failed")
		return cf
	}
	if err := ctx.Err(); err != nil && skipped.Load() > 0 {
		return fmt.Errorf("%w: %w", errdefs.ErrAborted, err)
	}
	return nil
}
