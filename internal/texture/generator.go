// Package texture renders the map's layer stack into per-tile drape textures on a
// bounded pool of background workers.
package texture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/terra3d/pkg/crs"
)

// Generator errors.
var (
	ErrQueueFull      = errors.New("texture queue full")
	ErrClosed         = errors.New("texture generator closed")
	ErrInvalidRequest = errors.New("invalid texture request")
)

// Defaults for Options.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64
)

// Options configures a Generator.
type Options struct {
	// Workers is the number of concurrent renders.
	Workers int
	// QueueSize bounds the number of distinct jobs waiting for a worker.
	QueueSize int
	// Background fills every texture before the first layer is drawn.
	Background color.RGBA
	// Provider relates the map CRS to layer CRSs. Defaults to crs.Builtin().
	Provider crs.Provider
	// OnComplete, when set, is called from a worker goroutine for every delivered result.
	OnComplete func(Result)
}

// Result is a finished texture request. Image is set whenever at least the
// background could be rendered; Err is a *PartialCompositeError when some layers
// were skipped.
type Result struct {
	Handle uuid.UUID
	Extent orb.Bound
	Size   image.Point
	Image  *image.RGBA
	Err    error
}

// Ticket tracks one request.
type Ticket struct {
	handle uuid.UUID
	done   chan Result
	job    *job
}

// Handle identifies the request for Cancel.
func (t *Ticket) Handle() uuid.UUID { return t.handle }

// Done receives the result exactly once, unless the request is cancelled first,
// in which case nothing is ever sent.
func (t *Ticket) Done() <-chan Result { return t.done }

// Stats counts generator activity.
type Stats struct {
	Requests  int
	Renders   int
	DedupHits int
	Cancelled int
	Skipped   int
	Partial   int
	Failed    int
}

type jobKey struct {
	extent  orb.Bound
	size    image.Point
	version uint64
}

type job struct {
	key     jobKey
	tickets []*Ticket
}

// Generator schedules texture renders. Identical requests (same extent, size and
// layer-stack version) that overlap in time share one render.
type Generator struct {
	layers []Renderer
	crs    crs.CRS
	opts   Options
	log    *zap.Logger

	mu      sync.Mutex
	version uint64
	jobs    map[jobKey]*job
	tickets map[uuid.UUID]*Ticket
	queued  int
	closed  bool
	stats   Stats

	queue  chan *job
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New starts a generator drawing layers (bottom first) in the map CRS c.
func New(layers []Renderer, c crs.CRS, opts Options, log *zap.Logger) (*Generator, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("texture generator: %w", crs.ErrInvalidCRS)
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Provider == nil {
		opts.Provider = crs.Builtin()
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	g := &Generator{
		layers:  append([]Renderer(nil), layers...),
		crs:     c,
		opts:    opts,
		log:     log.Named("texture"),
		jobs:    make(map[jobKey]*job),
		tickets: make(map[uuid.UUID]*Ticket),
		queue:   make(chan *job, opts.QueueSize),
		cancel:  cancel,
		group:   group,
	}
	for i := 0; i < opts.Workers; i++ {
		group.Go(func() error {
			g.work(ctx)
			return nil
		})
	}
	g.log.Debug("texture generator started",
		zap.Int("layers", len(layers)),
		zap.Int("workers", opts.Workers),
		zap.Int("queue", opts.QueueSize))
	return g, nil
}

// CRS returns the CRS request extents are expressed in.
func (g *Generator) CRS() crs.CRS { return g.crs }

// Layers returns the layer stack, bottom first.
func (g *Generator) Layers() []Renderer { return g.layers }

// RequestTile schedules a render of extent (map CRS) at size pixels and returns
// immediately.
func (g *Generator) RequestTile(extent orb.Bound, size image.Point) (*Ticket, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("%w: size %v", ErrInvalidRequest, size)
	}
	if !(extent.Max[0] > extent.Min[0]) || !(extent.Max[1] > extent.Min[1]) {
		return nil, fmt.Errorf("%w: extent %v", ErrInvalidRequest, extent)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}

	key := jobKey{extent: extent, size: size, version: g.version}
	j, ok := g.jobs[key]
	if ok {
		g.stats.DedupHits++
	} else {
		if g.queued >= g.opts.QueueSize {
			return nil, ErrQueueFull
		}
		j = &job{key: key}
		g.jobs[key] = j
		g.queued++
		g.queue <- j
	}

	t := &Ticket{handle: uuid.New(), done: make(chan Result, 1), job: j}
	j.tickets = append(j.tickets, t)
	g.tickets[t.handle] = t
	g.stats.Requests++
	return t, nil
}

// Cancel withdraws a request. It reports false when the request already completed
// or the handle is unknown; that is not an error. A render already in progress
// still finishes but its result is not delivered to the cancelled request.
func (g *Generator) Cancel(handle uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tickets[handle]
	if !ok {
		return false
	}
	delete(g.tickets, handle)
	j := t.job
	for i, other := range j.tickets {
		if other == t {
			j.tickets = append(j.tickets[:i], j.tickets[i+1:]...)
			break
		}
	}
	g.stats.Cancelled++
	return true
}

// Invalidate marks the layer stack as changed. Later requests render afresh
// instead of joining renders of the previous version.
func (g *Generator) Invalidate() {
	g.mu.Lock()
	g.version++
	g.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (g *Generator) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Close stops the workers. Requests still waiting receive ErrClosed.
func (g *Generator) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	err := g.group.Wait()

	g.mu.Lock()
	pending := make([]*Ticket, 0, len(g.tickets))
	for _, t := range g.tickets {
		pending = append(pending, t)
	}
	g.tickets = make(map[uuid.UUID]*Ticket)
	g.jobs = make(map[jobKey]*job)
	g.mu.Unlock()

	for _, t := range pending {
		g.deliver(t, Result{Handle: t.handle, Extent: t.job.key.extent, Size: t.job.key.size, Err: ErrClosed})
	}
	return err
}

func (g *Generator) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-g.queue:
			g.run(ctx, j)
		}
	}
}

func (g *Generator) run(ctx context.Context, j *job) {
	g.mu.Lock()
	g.queued--
	if len(j.tickets) == 0 {
		if g.jobs[j.key] == j {
			delete(g.jobs, j.key)
		}
		g.stats.Skipped++
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	img, err := g.render(ctx, j.key)
	if ctx.Err() != nil {
		// Closing; Close answers the waiting tickets.
		return
	}

	g.mu.Lock()
	if g.jobs[j.key] == j {
		delete(g.jobs, j.key)
	}
	tickets := j.tickets
	j.tickets = nil
	for _, t := range tickets {
		delete(g.tickets, t.handle)
	}
	g.stats.Renders++
	var partial *PartialCompositeError
	switch {
	case errors.As(err, &partial):
		g.stats.Partial++
	case err != nil:
		g.stats.Failed++
	}
	g.mu.Unlock()

	if err != nil {
		g.log.Warn("texture render degraded",
			zap.Any("extent", j.key.extent),
			zap.Error(err))
	}
	for _, t := range tickets {
		g.deliver(t, Result{Handle: t.handle, Extent: j.key.extent, Size: j.key.size, Image: img, Err: err})
	}
}

func (g *Generator) deliver(t *Ticket, res Result) {
	t.done <- res
	if g.opts.OnComplete != nil {
		g.opts.OnComplete(res)
	}
}

// render composites the layer stack bottom first. A failing layer leaves no
// trace in the image and is reported in a PartialCompositeError.
func (g *Generator) render(ctx context.Context, key jobKey) (*image.RGBA, error) {
	bounds := image.Rect(0, 0, key.size.X, key.size.Y)
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, image.NewUniform(g.opts.Background), image.Point{}, draw.Src)

	var (
		errs   error
		failed []string
	)
	for _, l := range g.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scratch := image.NewRGBA(bounds)
		target := &Target{
			Image:    scratch,
			Extent:   key.extent,
			CRS:      g.crs,
			Provider: g.opts.Provider,
		}
		if err := l.Render(ctx, target); err != nil {
			failed = append(failed, l.Name())
			errs = multierr.Append(errs, fmt.Errorf("layer %q: %w", l.Name(), err))
			continue
		}
		draw.Draw(out, bounds, scratch, image.Point{}, draw.Over)
	}
	if errs != nil {
		return out, &PartialCompositeError{Layers: failed, Total: len(g.layers), Err: errs}
	}
	return out, nil
}

// PartialCompositeError reports layers that were skipped while compositing. The
// image that accompanies it holds every other layer in stack order.
type PartialCompositeError struct {
	Layers []string
	Total  int
	Err    error
}

func (e *PartialCompositeError) Error() string {
	return fmt.Sprintf("partial composite: %d of %d layers failed: %v", len(e.Layers), e.Total, e.Err)
}

func (e *PartialCompositeError) Unwrap() []error { return multierr.Errors(e.Err) }
