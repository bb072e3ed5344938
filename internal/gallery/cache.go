// Package gallery keeps the process-wide list of recent community creations.
package gallery

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/digkill/ghiblit/internal/models"
)

const (
	DefaultTTL          = 6 * time.Hour
	defaultFetchTimeout = 15 * time.Second
)

// Fetcher lists the most recent images from the backend.
type Fetcher interface {
	RecentImages(ctx context.Context, limit int) ([]models.GalleryImage, error)
}

type Cache struct {
	fetcher      Fetcher
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger

	mu        sync.RWMutex
	entries   []models.GalleryImage
	fetchedAt time.Time

	flight singleflight.Group
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFetchTimeout bounds a backend fetch shared by concurrent callers.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

func NewCache(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:      fetcher,
		ttl:          DefaultTTL,
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns up to limit recent images. It serves from memory while the cache is fresh
// and large enough, and degrades to stale or empty data when the backend is unreachable.
// The returned slice is never nil.
func (c *Cache) Get(ctx context.Context, limit int) []models.GalleryImage {
	if limit <= 0 {
		return []models.GalleryImage{}
	}

	c.mu.RLock()
	if c.validLocked(limit) {
		out := head(c.entries, limit)
		c.mu.RUnlock()
		return out
	}
	c.mu.RUnlock()

	images, err := c.fetch(ctx, limit, false)
	if err != nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		c.log.Warn("gallery fetch failed, serving cached entries", "err", err, "cached", len(c.entries))
		return head(c.entries, limit)
	}
	return head(images, limit)
}

// ForceRefresh fetches twice the requested amount so that broken images can be swapped
// for spares, replaces the cache and returns the first limit entries. On failure the
// cache is left as it was.
func (c *Cache) ForceRefresh(ctx context.Context, limit int) ([]models.GalleryImage, error) {
	if limit <= 0 {
		return []models.GalleryImage{}, nil
	}
	images, err := c.fetch(ctx, limit*2, true)
	if err != nil {
		return nil, err
	}
	return head(images, limit), nil
}

// Remove evicts one image, typically after its URL stopped resolving.
func (c *Cache) Remove(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, img := range c.entries {
		if img.ID == id {
			c.entries = append(c.entries[:i:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// Snapshot returns a copy of the cached entries and the time of the last fetch.
func (c *Cache) Snapshot() ([]models.GalleryImage, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return head(c.entries, len(c.entries)), c.fetchedAt
}

func (c *Cache) validLocked(limit int) bool {
	if c.fetchedAt.IsZero() || len(c.entries) < limit {
		return false
	}
	return c.now().Sub(c.fetchedAt) < c.ttl
}

type flightResult struct {
	images []models.GalleryImage
}

// fetch loads n images through a shared flight. The flight runs detached from the
// caller so that one caller giving up does not fail everybody waiting on it.
func (c *Cache) fetch(ctx context.Context, n int, force bool) ([]models.GalleryImage, error) {
	key := "recent:" + strconv.Itoa(n)
	if force {
		key = "refresh:" + strconv.Itoa(n)
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		if !force {
			c.mu.RLock()
			if c.validLocked(n) {
				out := head(c.entries, n)
				c.mu.RUnlock()
				return flightResult{images: out}, nil
			}
			c.mu.RUnlock()
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		batch, err := c.fetcher.RecentImages(fetchCtx, n)
		if err != nil {
			return nil, err
		}
		batch = dedup(batch)

		c.mu.Lock()
		c.entries = batch
		c.fetchedAt = c.now()
		c.mu.Unlock()

		c.log.Debug("gallery cache replaced", "requested", n, "stored", len(batch), "forced", force)
		return flightResult{images: head(batch, len(batch))}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(flightResult).images, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dedup keeps the first occurrence of every id and preserves order.
func dedup(images []models.GalleryImage) []models.GalleryImage {
	seen := make(map[int64]struct{}, len(images))
	out := make([]models.GalleryImage, 0, len(images))
	for _, img := range images {
		if _, ok := seen[img.ID]; ok {
			continue
		}
		seen[img.ID] = struct{}{}
		out = append(out, img)
	}
	return out
}

func head(images []models.GalleryImage, n int) []models.GalleryImage {
	if n > len(images) {
		n = len(images)
	}
	out := make([]models.GalleryImage, n)
	copy(out, images[:n])
	return out
}
