// Package imagecache prefetches asset images before they are displayed.
//
// Every prefetch downloads and decodes the image once. Only the most recent Retain
// decoded handles stay referenced; the rest rely on the HTTP layer's own caching.
package imagecache

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"sync"
	"time"

	"feedbridge/internal/metrics"

	"go.uber.org/zap"
)

var ErrFetch = errors.New("image prefetch failed")

// maxImageBytes caps a single download
const maxImageBytes = 4 << 20

type Config struct {
	Retain      int           // decoded handles kept referenced
	MaxEntries  int           // URLs remembered as resolved/failed
	Timeout     time.Duration // per-fetch timeout
	Placeholder string        // used for failed URLs
}

// Handle is the decoded form of a prefetched image.
type Handle struct {
	URL    string
	Format string
	Width  int
	Height int
	Size   int
}

// Result is the completion signal of one Prefetch call.
type Result struct {
	done chan struct{}
	err  error
}

func resolved(err error) *Result {
	r := &Result{done: make(chan struct{}), err: err}
	close(r.done)
	return r
}

// Done is closed once the prefetch settles.
func (r *Result) Done() <-chan struct{} { return r.done }

// Err is the outcome; only meaningful after Done is closed.
func (r *Result) Err() error { return r.err }

// Wait blocks until the prefetch settles or ctx ends.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type state int

const (
	stateInFlight state = iota
	stateResolved
	stateFailed
)

type entry struct {
	state state
	elem  *list.Element // position in Cache.order once settled
}

type Cache struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // settled URLs, oldest first

	handles     map[string]*list.Element
	handleOrder *list.List // retained handles, least recently used first
}

func New(cfg Config, client *http.Client, logger *zap.Logger) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 512
	}
	if cfg.Retain < 0 {
		cfg.Retain = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:         cfg,
		client:      client,
		logger:      logger,
		entries:     make(map[string]*entry),
		order:       list.New(),
		handles:     make(map[string]*list.Element),
		handleOrder: list.New(),
	}
}

// Prefetch starts fetching url in the background. A URL that is already in flight or
// resolved returns an already-settled Result without another download. Failed URLs
// are retried.
func (c *Cache) Prefetch(ctx context.Context, url string) *Result {
	if url == "" || url == c.cfg.Placeholder {
		return resolved(nil)
	}

	c.mu.Lock()
	if e, ok := c.entries[url]; ok && e.state != stateFailed {
		c.mu.Unlock()
		metrics.ObservePrefetch("cached")
		return resolved(nil)
	}
	c.settleLocked(url, nil) // drop a previous failure
	c.entries[url] = &entry{state: stateInFlight}
	c.mu.Unlock()

	res := &Result{done: make(chan struct{})}
	go func() {
		defer close(res.done)

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		h, err := c.fetch(fetchCtx, url)
		if err != nil {
			res.err = fmt.Errorf("%w: %s: %v", ErrFetch, url, err)
			c.logger.Debug("prefetch failed", zap.String("url", url), zap.Error(err))
			metrics.ObservePrefetch("error")
			c.finish(url, stateFailed, nil)
			return
		}
		metrics.ObservePrefetch("ok")
		c.finish(url, stateResolved, &h)
	}()
	return res
}

// Handle returns a retained decoded handle.
func (c *Cache) Handle(url string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.handles[url]
	if !ok {
		return Handle{}, false
	}
	c.handleOrder.MoveToBack(el)
	return el.Value.(Handle), true
}

// LogoFor returns url unless its prefetch failed, in which case the placeholder.
func (c *Cache) LogoFor(url string) string {
	if url == "" {
		return c.cfg.Placeholder
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[url]; ok && e.state == stateFailed {
		return c.cfg.Placeholder
	}
	return url
}

// Retained reports how many decoded handles are currently referenced.
func (c *Cache) Retained() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handleOrder.Len()
}

func (c *Cache) fetch(ctx context.Context, url string) (Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Handle{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Handle{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Handle{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return Handle{}, err
	}

	h := Handle{URL: url, Size: len(body)}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	switch {
	case err == nil:
		h.Format, h.Width, h.Height = format, cfg.Width, cfg.Height
	case errors.Is(err, image.ErrFormat):
		// svg/webp and friends: fetched, left to the consumer to decode
		h.Format = resp.Header.Get("Content-Type")
	default:
		return Handle{}, err
	}
	return h, nil
}

func (c *Cache) finish(url string, st state, h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[url]
	if !ok {
		e = &entry{}
		c.entries[url] = e
	}
	e.state = st
	e.elem = c.order.PushBack(url)

	for c.order.Len() > c.cfg.MaxEntries {
		oldest := c.order.Front()
		c.settleLocked(oldest.Value.(string), oldest)
	}

	if h != nil && c.cfg.Retain > 0 {
		if el, ok := c.handles[url]; ok {
			el.Value = *h
			c.handleOrder.MoveToBack(el)
		} else {
			c.handles[url] = c.handleOrder.PushBack(*h)
		}
		for c.handleOrder.Len() > c.cfg.Retain {
			lru := c.handleOrder.Front()
			c.handleOrder.Remove(lru)
			delete(c.handles, lru.Value.(Handle).URL)
		}
	}
}

// settleLocked forgets a settled URL. elem may be nil to look it up.
func (c *Cache) settleLocked(url string, elem *list.Element) {
	e, ok := c.entries[url]
	if !ok {
		return
	}
	if elem == nil {
		elem = e.elem
	}
	if elem != nil {
		c.order.Remove(elem)
	}
	delete(c.entries, url)
	if el, ok := c.handles[url]; ok {
		c.handleOrder.Remove(el)
		delete(c.handles, url)
	}
}
