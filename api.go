package syncstore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	c "github.com/unkn0wn-root/syncstore/codec"
	gen "github.com/unkn0wn-root/syncstore/genstore"
	pr "github.com/unkn0wn-root/syncstore/provider"
)

// Syncer is the process-wide project-data store: cached reads, coordinated
// fetches and writes that keep the cache consistent with the server.
type Syncer interface {
	// Fetch returns the record for key, from cache while fresh unless force.
	Fetch(ctx context.Context, key string, force bool) (Record, error)
	// Get is a pure cache read; it never touches the network.
	Get(ctx context.Context, key string) (Entry, bool)
	Subscribe(key string, fn func(Event)) (unsubscribe func())

	Invalidate(ctx context.Context, key string) error
	InvalidateAll(ctx context.Context) error

	// Err is the error of the last failed fetch of key, nil after a success
	// or while a new fetch is in flight.
	Err(key string) error
	Pending(key string) bool

	// RefreshMetrics re-reads only the metrics sub-resource.
	RefreshMetrics(ctx context.Context, key string) (Item, error)

	Mutate(ctx context.Context, key string, act Action, m Mutation) (Item, error)
	CreateUpdate(ctx context.Context, key string, body any) (Item, error)
	CreateMilestone(ctx context.Context, key string, body any) (Item, error)
	CompleteMilestone(ctx context.Context, key, id string) (Item, error)
	ToggleFeatured(ctx context.Context, key, id string) (Item, error)
	UploadEvidence(ctx context.Context, key string, up Upload) (Item, error)
	DeleteEvidence(ctx context.Context, key, id string) (Item, error)

	Close(ctx context.Context) error
}

// Options configure a Syncer.
// Only Transport and Resolver are required; others have sensible defaults.
type Options struct {
	// Required
	Transport Transport
	Resolver  Resolver

	Namespace string          // storage key prefix; "" => "projects"
	Provider  pr.Provider     // nil => in-process map
	Codec     c.Codec[Record] // nil => JSON
	GenStore  gen.GenStore    // nil => LocalGenStore (in-process)
	Logger    Logger          // if nil, NopLogger is used
	Hooks     Hooks           // if nil, NopHooks is used
	Freshness time.Duration   // 0 => DefaultFreshness
	Retention time.Duration   // provider TTL; 0 => 24h
	Inflight  InflightPolicy  // default ReturnCached
	Now       func() time.Time
}

func New(opts Options) (Syncer, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("syncstore: transport is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("syncstore: resolver is required")
	}
	switch opts.Inflight {
	case ReturnCached, WaitForInflight:
	default:
		return nil, fmt.Errorf("syncstore: unknown inflight policy %d", opts.Inflight)
	}

	log := coalesce[Logger](opts.Logger, NopLogger{})
	hooks := coalesce[Hooks](opts.Hooks, NopHooks{})
	store := NewStore(StoreOptions{
		Namespace: opts.Namespace,
		Provider:  opts.Provider,
		Codec:     opts.Codec,
		GenStore:  opts.GenStore,
		Logger:    log,
		Hooks:     hooks,
		Now:       opts.Now,
		Retention: opts.Retention,
	})
	s := &syncer{
		store:     store,
		transport: opts.Transport,
		resolver:  opts.Resolver,
		log:       log,
		hooks:     hooks,
	}
	s.fetcher = newCoordinator(store, opts.Transport, opts.Resolver, log, hooks,
		coalesce(opts.Freshness, DefaultFreshness), opts.Inflight)
	return s, nil
}

type syncer struct {
	store     *Store
	fetcher   *coordinator
	transport Transport
	resolver  Resolver
	log       Logger
	hooks     Hooks
}

func (s *syncer) Fetch(ctx context.Context, key string, force bool) (Record, error) {
	return s.fetcher.fetch(ctx, key, force)
}

func (s *syncer) Get(ctx context.Context, key string) (Entry, bool) { return s.store.Get(ctx, key) }

func (s *syncer) Subscribe(key string, fn func(Event)) func() { return s.store.Subscribe(key, fn) }

func (s *syncer) Invalidate(ctx context.Context, key string) error {
	s.fetcher.clearErr(key)
	return s.store.Invalidate(ctx, key)
}

func (s *syncer) InvalidateAll(ctx context.Context) error {
	s.fetcher.clearAllErrs()
	return s.store.InvalidateAll(ctx)
}

func (s *syncer) Err(key string) error { return s.fetcher.lastErr(key) }

func (s *syncer) Pending(key string) bool { return s.fetcher.isPending(key) }

// RefreshMetrics patches only Record.Metrics. It does not extend freshness and
// is a no-op for the cache when the key was never fetched.
func (s *syncer) RefreshMetrics(ctx context.Context, key string) (Item, error) {
	url, err := s.resolver.Resolve(ResourceMetrics, Vars{Key: key})
	if err != nil {
		return nil, fmt.Errorf("metrics: resolve: %w", err)
	}
	resp, err := s.transport.Do(ctx, Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return nil, err
	}
	if !resp.NoContent && (!resp.JSON || !gjson.ValidBytes(resp.Body)) {
		return nil, &PayloadError{Key: key, Err: errInvalidJSON}
	}
	m := objectOrEmpty(gjson.ParseBytes(resp.Body))
	if _, err := s.store.Patch(ctx, key, func(rec *Record) error {
		rec.Metrics = m
		return nil
	}); err != nil {
		s.log.Warn("metrics patch failed", Fields{"key": key, "err": err})
	}
	return m, nil
}

func (s *syncer) Close(ctx context.Context) error { return s.store.Close(ctx) }
