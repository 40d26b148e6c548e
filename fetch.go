package syncstore

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// InflightPolicy decides what a caller gets when its key is already being
// fetched by someone else.
type InflightPolicy int

const (
	// ReturnCached hands the caller the current (possibly stale) cached record
	// right away, or ErrPending when nothing is cached. No caller ever waits
	// for another caller's request.
	ReturnCached InflightPolicy = iota
	// WaitForInflight makes the caller wait for the in-flight fetch and share
	// its result.
	WaitForInflight
)

func (p InflightPolicy) String() string {
	switch p {
	case ReturnCached:
		return "return-cached"
	case WaitForInflight:
		return "wait"
	default:
		return "unknown"
	}
}

// UnmarshalText accepts the names String returns.
func (p *InflightPolicy) UnmarshalText(b []byte) error {
	switch string(b) {
	case "", "return-cached":
		*p = ReturnCached
	case "wait":
		*p = WaitForInflight
	default:
		return fmt.Errorf("syncstore: unknown inflight policy %q", b)
	}
	return nil
}

// coordinator is the single path that populates the Store from the remote
// source. It owns the pending set and the per-key error map.
type coordinator struct {
	store     *Store
	transport Transport
	resolver  Resolver
	log       Logger
	hooks     Hooks
	ttl       time.Duration
	policy    InflightPolicy

	sf singleflight.Group

	mu      sync.Mutex
	pending map[string]chan struct{} // closed when the fetch ends
	errs    map[string]error
}

func newCoordinator(store *Store, t Transport, r Resolver, log Logger, hooks Hooks, ttl time.Duration, policy InflightPolicy) *coordinator {
	return &coordinator{
		store:     store,
		transport: t,
		resolver:  r,
		log:       log.With(Fields{"component": "fetch"}),
		hooks:     hooks,
		ttl:       ttl,
		policy:    policy,
		pending:   make(map[string]chan struct{}),
		errs:      make(map[string]error),
	}
}

func (c *coordinator) fetch(ctx context.Context, key string, force bool) (Record, error) {
	if !force {
		if e, ok := c.store.Get(ctx, key); ok && c.store.fresh(e, c.ttl) {
			return e.Record, nil
		}
	}
	if c.policy == WaitForInflight {
		return c.join(ctx, key, force)
	}

	if !c.begin(key) {
		c.hooks.FetchDeduplicated(key)
		if e, ok := c.store.Get(ctx, key); ok {
			return e.Record, nil
		}
		return Record{}, ErrPending
	}
	return c.load(ctx, key)
}

// join runs the fetch through singleflight so concurrent callers share one
// request. The request itself is detached from ctx; a caller whose ctx ends
// stops waiting but the fetch still completes and stores its result.
func (c *coordinator) join(ctx context.Context, key string, force bool) (Record, error) {
	// forced callers never share a flight that may skip the network
	flight := key
	if force {
		flight = key + "\x00force"
	}
	ch := c.sf.DoChan(flight, func() (any, error) {
		// a flight that finished between our freshness check and DoChan
		// already stored what we need
		if !force {
			if e, ok := c.store.Get(ctx, key); ok && c.store.fresh(e, c.ttl) {
				return e.Record, nil
			}
		}
		c.begin(key)
		return c.load(ctx, key)
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.hooks.FetchDeduplicated(key)
		}
		if res.Err != nil {
			return Record{}, res.Err
		}
		return res.Val.(Record), nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

// begin marks key pending and clears its last error. It returns false when a
// fetch for key is already in flight.
func (c *coordinator) begin(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; ok {
		return false
	}
	c.pending[key] = make(chan struct{})
	delete(c.errs, key)
	return true
}

func (c *coordinator) end(key string, err error) {
	c.mu.Lock()
	if done, ok := c.pending[key]; ok {
		close(done)
		delete(c.pending, key)
	}
	if err != nil {
		c.errs[key] = err
	}
	c.mu.Unlock()
}

// refetch issues a network fetch that starts after every fetch already in
// flight for key. Under ReturnCached it first waits for the pending one to
// end; a forced join never shares a flight.
func (c *coordinator) refetch(ctx context.Context, key string) (Record, error) {
	if c.policy == ReturnCached {
		if err := c.waitIdle(ctx, key); err != nil {
			return Record{}, err
		}
	}
	return c.fetch(ctx, key, true)
}

// waitIdle blocks until no fetch for key is pending or ctx ends.
func (c *coordinator) waitIdle(ctx context.Context, key string) error {
	for {
		c.mu.Lock()
		done, ok := c.pending[key]
		c.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// load performs the network fetch for a key already marked pending. The
// previous entry is left untouched on failure.
func (c *coordinator) load(ctx context.Context, key string) (rec Record, err error) {
	defer func() {
		c.end(key, err)
		if err != nil {
			c.hooks.FetchFailed(key, err)
			c.log.Warn("fetch failed", Fields{"key": key, "err": err})
		}
	}()

	// once started, a fetch runs to completion
	ctx = context.WithoutCancel(ctx)

	obs := c.store.SnapshotGen(ctx, key)
	url, err := c.resolver.Resolve(ResourceRecord, Vars{Key: key})
	if err != nil {
		return Record{}, err
	}
	resp, err := c.transport.Do(ctx, Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return Record{}, err
	}
	if !resp.NoContent && !resp.JSON {
		return Record{}, &PayloadError{Key: key, Err: errInvalidJSON}
	}
	rec, err = Normalize(key, resp.Body)
	if err != nil {
		return Record{}, err
	}
	if _, perr := c.store.Put(ctx, key, rec, obs); perr != nil {
		// the caller still gets the fresh record; only caching failed
		c.log.Error("store put failed", Fields{"key": key, "err": perr})
	}
	c.log.Debug("fetched", Fields{"key": key, "updates": len(rec.Updates), "milestones": len(rec.Milestones)})
	return rec, nil
}

func (c *coordinator) lastErr(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs[key]
}

func (c *coordinator) isPending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

func (c *coordinator) clearErr(key string) {
	c.mu.Lock()
	delete(c.errs, key)
	c.mu.Unlock()
}

func (c *coordinator) clearAllErrs() {
	c.mu.Lock()
	c.errs = make(map[string]error)
	c.mu.Unlock()
}
