package tilesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/terra3d/internal/terrain"
	"github.com/Faultbox/terra3d/pkg/qmesh"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

// AcceptHeader asks servers for every extension the decoder understands.
const AcceptHeader = "application/vnd.quantized-mesh;extensions=octvertexnormals-watermask-metadata,application/octet-stream;q=0.9"

// ErrBadTemplate reports a URL template without {z}, {x} and {y}.
var ErrBadTemplate = errors.New("tile URL template needs {z}, {x} and {y}")

// HTTPOptions configures an HTTP source.
type HTTPOptions struct {
	// Subdomains replace {s} in the template, chosen per tile.
	Subdomains []string
	// CacheDir, when set, keeps downloaded payloads on disk.
	CacheDir string
	// MemoryCacheSize bounds the in-memory cache, in tiles.
	MemoryCacheSize int
	Timeout         time.Duration
	Client          *http.Client
	Header          http.Header
}

// HTTP downloads tiles from a server using a {z}/{x}/{y} URL template.
type HTTP struct {
	template string
	opts     HTTPOptions
	client   *http.Client
	mem      *Cache
	log      *zap.Logger
}

// NewHTTP creates a source for template, e.g.
// "https://{s}.example.com/tiles/{z}/{x}/{y}.terrain".
func NewHTTP(template string, opts HTTPOptions, log *zap.Logger) (*HTTP, error) {
	for _, p := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(template, p) {
			return nil, fmt.Errorf("%w: %q", ErrBadTemplate, template)
		}
	}
	if strings.Contains(template, "{s}") && len(opts.Subdomains) == 0 {
		return nil, fmt.Errorf("%w: {s} without subdomains", ErrBadTemplate)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTP{
		template: template,
		opts:     opts,
		client:   client,
		mem:      NewCache(opts.MemoryCacheSize),
		log:      log.Named("tilesource.http"),
	}, nil
}

// URL expands the template for a.
func (h *HTTP) URL(a tiling.Address) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(a.Level),
		"{x}", strconv.Itoa(a.X),
		"{y}", strconv.Itoa(a.Y),
	)
	u := r.Replace(h.template)
	if n := len(h.opts.Subdomains); n > 0 {
		u = strings.ReplaceAll(u, "{s}", h.opts.Subdomains[(a.X+a.Y+a.Level)%n])
	}
	return u
}

// Cache returns the in-memory cache.
func (h *HTTP) Cache() *Cache { return h.mem }

// Fetch returns a tile from the memory cache, the disk cache or the server.
// Only payloads that decode are cached.
func (h *HTTP) Fetch(ctx context.Context, a tiling.Address) (*qmesh.Tile, error) {
	if t, ok := h.cached(a); ok {
		return t, nil
	}

	data, err := h.download(ctx, a)
	if err != nil {
		return nil, err
	}
	t, err := qmesh.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", h.URL(a), err)
	}
	h.mem.Set(a.String(), data)
	if h.opts.CacheDir != "" {
		if err := h.store(a, data); err != nil {
			h.log.Warn("writing disk cache", zap.Stringer("tile", a), zap.Error(err))
		}
	}
	return t, nil
}

// cached decodes a cached payload. A disk entry that no longer decodes is
// removed so the next fetch downloads it again.
func (h *HTTP) cached(a tiling.Address) (*qmesh.Tile, bool) {
	key := a.String()
	if data, ok := h.mem.Get(key); ok {
		if t, err := qmesh.Parse(data); err == nil {
			return t, true
		}
	}
	if h.opts.CacheDir == "" {
		return nil, false
	}

	path := tilePath(h.opts.CacheDir, a)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			h.log.Warn("reading disk cache", zap.Stringer("tile", a), zap.Error(err))
		}
		return nil, false
	}
	t, err := qmesh.Parse(data)
	if err != nil {
		h.log.Warn("dropping corrupt cache entry", zap.Stringer("tile", a), zap.Error(err))
		os.Remove(path)
		return nil, false
	}
	h.mem.Set(key, data)
	return t, true
}

func (h *HTTP) download(ctx context.Context, a tiling.Address) ([]byte, error) {
	url := h.URL(a)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range h.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", AcceptHeader)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, terrain.ErrTileNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetching %s: status %s", url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	h.log.Debug("tile downloaded",
		zap.Stringer("tile", a),
		zap.Int("bytes", len(data)),
		zap.Duration("took", time.Since(start)))
	return data, nil
}

// store writes through a temporary file so readers never see partial tiles.
func (h *HTTP) store(a tiling.Address, data []byte) error {
	path := tilePath(h.opts.CacheDir, a)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tile-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Close drops idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
