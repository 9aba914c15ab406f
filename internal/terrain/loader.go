package terrain

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Faultbox/terra3d/pkg/tiling"
)

// LoadResult is one generated tile or the reason it is unavailable.
type LoadResult struct {
	Address tiling.Address
	Tile    *TileGeometry
	Err     error
}

// Loader generates tiles off the caller's goroutine. Flat tiles are cheap and are
// generated inline; the other variants run on a bounded number of goroutines.
type Loader struct {
	gen Generator
	sem *semaphore.Weighted
	log *zap.Logger
}

// NewLoader creates a loader running at most workers generations at once.
func NewLoader(gen Generator, workers int, log *zap.Logger) *Loader {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		gen: gen,
		sem: semaphore.NewWeighted(int64(workers)),
		log: log.Named("terrain.loader"),
	}
}

// Load generates addrs and delivers one result per address, in completion order.
// The channel is closed once every address has been reported. Cancelling ctx
// reports the remaining tiles with the context error.
func (l *Loader) Load(ctx context.Context, addrs []tiling.Address) <-chan LoadResult {
	out := make(chan LoadResult, len(addrs))

	if l.gen.Type() == TypeFlat {
		for _, a := range addrs {
			out <- l.generate(ctx, a)
		}
		close(out)
		return out
	}

	var wg sync.WaitGroup
	for _, a := range addrs {
		wg.Add(1)
		go func(a tiling.Address) {
			defer wg.Done()
			if err := l.sem.Acquire(ctx, 1); err != nil {
				out <- LoadResult{Address: a, Err: err}
				return
			}
			defer l.sem.Release(1)
			out <- l.generate(ctx, a)
		}(a)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (l *Loader) generate(ctx context.Context, a tiling.Address) LoadResult {
	if err := ctx.Err(); err != nil {
		return LoadResult{Address: a, Err: err}
	}
	tile, err := l.gen.GenerateTile(ctx, a)
	if err != nil {
		l.log.Debug("tile unavailable", zap.Stringer("tile", a), zap.Error(err))
		return LoadResult{Address: a, Err: err}
	}
	return LoadResult{Address: a, Tile: tile}
}
