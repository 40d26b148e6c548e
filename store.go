package syncstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	c "github.com/unkn0wn-root/syncstore/codec"
	gen "github.com/unkn0wn-root/syncstore/genstore"
	"github.com/unkn0wn-root/syncstore/internal/wire"
	pr "github.com/unkn0wn-root/syncstore/provider"
	"github.com/unkn0wn-root/syncstore/provider/memory"
)

// Entry is one cached record plus its metadata.
// A zero FetchedAt means the entry is stale regardless of TTL (see Expire).
type Entry struct {
	Record    Record
	FetchedAt time.Time
	Gen       uint64
}

// EventKind tells subscribers which write produced an Event.
type EventKind int

const (
	EventPut EventKind = iota + 1
	EventPatch
)

func (k EventKind) String() string {
	switch k {
	case EventPut:
		return "put"
	case EventPatch:
		return "patch"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after a Put or Patch of their key.
type Event struct {
	Key    string
	Kind   EventKind
	Record Record
}

// StoreOptions configure a standalone Store. Options carries the same knobs
// for the full Syncer.
type StoreOptions struct {
	Namespace string          // default "projects"
	Provider  pr.Provider     // nil => in-process map
	Codec     c.Codec[Record] // nil => JSON
	GenStore  gen.GenStore    // nil => LocalGenStore
	Logger    Logger
	Hooks     Hooks
	Now       func() time.Time

	// Retention is the provider TTL of an entry. It bounds how long stale data
	// stays visible; freshness is a separate, shorter policy. 0 => 24h.
	Retention time.Duration
}

// Store holds the authoritative in-memory copy of fetched records and their
// freshness. Reads go straight to the provider; writes to the store are
// serialized so that a Patch never interleaves with a Put.
type Store struct {
	ns        string
	provider  pr.Provider
	codec     c.Codec[Record]
	gen       gen.GenStore
	log       Logger
	hooks     Hooks
	retention time.Duration
	now       func() time.Time

	wmu  sync.Mutex
	keys map[string]struct{} // keys written by this store, for InvalidateAll

	subMu   sync.RWMutex
	subs    map[string]map[uint64]func(Event)
	nextSub uint64
}

func NewStore(opts StoreOptions) *Store {
	s := &Store{
		ns:       coalesce(opts.Namespace, defaultNamespace),
		provider: opts.Provider,
		codec:    opts.Codec,
		gen:      opts.GenStore,
		keys:     make(map[string]struct{}),
		subs:     make(map[string]map[uint64]func(Event)),
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{}).With(Fields{"component": "store"})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.retention = coalesce(opts.Retention, defaultRetention)
	if opts.Now != nil {
		s.now = opts.Now
	} else {
		s.now = time.Now
	}
	if s.provider == nil {
		s.provider = memory.NewWithClock(s.now)
	}
	if s.codec == nil {
		s.codec = c.JSON[Record]{}
	}
	if s.gen == nil {
		s.gen = gen.NewLocalGenStore(defaultSweep, defaultGenRetention)
	}
	return s
}

// Close closes the generation store and the provider.
func (s *Store) Close(ctx context.Context) error {
	return errors.Join(s.gen.Close(ctx), s.provider.Close(ctx))
}

// Get is a pure lookup. Corrupt, undecodable or superseded entries are
// deleted and reported as absent; provider errors are logged and reported as
// absent.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool) {
	k := s.storageKey(key)
	raw, ok, err := s.provider.Get(ctx, k)
	if err != nil {
		s.log.Warn("provider get failed", Fields{"key": key, "err": err})
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	we, err := wire.DecodeEntry(raw)
	if err != nil {
		s.selfHeal(ctx, k, "corrupt")
		return Entry{}, false
	}
	// an entry written under an older generation survived a failed delete
	if cur, gerr := s.gen.Snapshot(ctx, k); gerr == nil && cur != we.Gen {
		s.selfHeal(ctx, k, "stale_gen")
		return Entry{}, false
	}
	rec, err := s.codec.Decode(we.Payload)
	if err != nil {
		s.selfHeal(ctx, k, "value_decode")
		return Entry{}, false
	}
	rec.ensure()
	rec.Key = key
	return Entry{Record: rec, FetchedAt: we.FetchedAt, Gen: we.Gen}, true
}

// IsFresh reports whether an entry exists and was confirmed less than ttl ago.
func (s *Store) IsFresh(ctx context.Context, key string, ttl time.Duration) bool {
	e, ok := s.Get(ctx, key)
	return ok && s.fresh(e, ttl)
}

func (s *Store) fresh(e Entry, ttl time.Duration) bool {
	return !e.FetchedAt.IsZero() && s.now().Sub(e.FetchedAt) < ttl
}

// SnapshotGen returns the key's current generation. Pass it to Put.
func (s *Store) SnapshotGen(ctx context.Context, key string) uint64 {
	k := s.storageKey(key)
	g, err := s.gen.Snapshot(ctx, k)
	if err != nil {
		// Conservative: an unreadable generation makes the later Put skip.
		s.hooks.GenError("snapshot", k, err)
		s.log.Warn("gen snapshot error", Fields{"key": key, "err": err})
		return 0
	}
	return g
}

// Put replaces the entry for key and stamps FetchedAt = now, unless the key's
// generation moved since observedGen was taken. It reports whether the record
// was stored.
func (s *Store) Put(ctx context.Context, key string, rec Record, observedGen uint64) (bool, error) {
	rec.Key = key
	rec.ensure()

	s.wmu.Lock()
	k := s.storageKey(key)
	cur, err := s.gen.Snapshot(ctx, k)
	if err != nil || cur != observedGen {
		s.wmu.Unlock()
		if err != nil {
			s.hooks.GenError("snapshot", k, err)
		}
		s.hooks.StaleWriteDropped(key)
		s.log.Debug("put skipped (gen mismatch)", Fields{"key": key, "obs": observedGen, "cur": cur})
		return false, nil
	}
	stored, err := s.write(ctx, k, wire.Entry{Gen: observedGen, FetchedAt: s.now()}, rec)
	if stored {
		s.keys[key] = struct{}{}
	}
	s.wmu.Unlock()

	if err != nil {
		return false, err
	}
	if stored {
		s.notify(Event{Key: key, Kind: EventPut, Record: rec})
	}
	return stored, nil
}

// Patch applies mutate to a copy of the cached record and stores the result
// without touching FetchedAt: a patch is a local correction, not a confirmed
// server state. It reports false when there is no entry to patch.
func (s *Store) Patch(ctx context.Context, key string, mutate func(*Record) error) (bool, error) {
	return s.patch(ctx, key, mutate, false)
}

// patch with bump=true also moves the key's generation, so a fetch that
// started before a confirmed remote write cannot overwrite its effect.
func (s *Store) patch(ctx context.Context, key string, mutate func(*Record) error, bump bool) (bool, error) {
	s.wmu.Lock()
	e, ok := s.Get(ctx, key)
	if !ok {
		s.wmu.Unlock()
		return false, nil
	}
	rec := e.Record
	if err := mutate(&rec); err != nil {
		s.wmu.Unlock()
		return false, fmt.Errorf("patch %q: %w", key, err)
	}
	rec.Key = key
	rec.ensure()

	k := s.storageKey(key)
	g := e.Gen
	if bump {
		var err error
		if g, err = s.gen.Bump(ctx, k); err != nil {
			s.wmu.Unlock()
			s.hooks.GenError("bump", k, err)
			return false, fmt.Errorf("patch %q: %w", key, err)
		}
	}
	stored, err := s.write(ctx, k, wire.Entry{Gen: g, FetchedAt: e.FetchedAt}, rec)
	s.wmu.Unlock()

	if err != nil {
		return false, err
	}
	if stored {
		s.notify(Event{Key: key, Kind: EventPatch, Record: rec})
	}
	return stored, nil
}

// Expire bumps the key's generation and marks the entry stale while keeping
// its data visible. In-flight fetches that started earlier will not store.
func (s *Store) Expire(ctx context.Context, key string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	// read before the bump; afterwards the entry looks superseded to Get
	e, ok := s.Get(ctx, key)
	k := s.storageKey(key)
	g, err := s.gen.Bump(ctx, k)
	if err != nil {
		s.hooks.GenError("bump", k, err)
		return fmt.Errorf("expire %q: %w", key, err)
	}
	if !ok {
		return nil
	}
	_, err = s.write(ctx, k, wire.Entry{Gen: g}, e.Record)
	return err
}

// Invalidate removes the entry for key and bumps its generation.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.invalidateLocked(ctx, key)
}

func (s *Store) invalidateLocked(ctx context.Context, key string) error {
	k := s.storageKey(key)
	newGen, bumpErr := s.gen.Bump(ctx, k)
	if bumpErr != nil {
		s.hooks.GenError("bump", k, bumpErr)
	}
	delErr := s.provider.Del(ctx, k)
	delete(s.keys, key)
	if bumpErr != nil && delErr != nil {
		return &InvalidateError{Key: key, BumpErr: bumpErr, DelErr: delErr}
	}
	if delErr != nil {
		s.log.Warn("invalidate: delete failed; entry unreachable via gen", Fields{"key": key, "err": delErr})
	}
	s.log.Debug("invalidated key (bumped gen + cleared entry)", Fields{"key": key, "newGen": newGen})
	return nil
}

// InvalidateAll removes every entry this store wrote and, when the provider
// is a pr.Lister, every entry under the namespace. In-process providers are
// cleared wholesale.
func (s *Store) InvalidateAll(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	var firstErr error
	keys := s.knownKeysLocked()
	if ls, ok := s.provider.(pr.Lister); ok {
		stored, err := ls.KeysWithPrefix(ctx, s.storageKey(""))
		if err != nil {
			s.log.Warn("invalidate all: listing stored keys failed", Fields{"err": err})
			firstErr = err
		}
		keys = s.withStored(keys, stored)
	}
	for _, key := range keys {
		if err := s.invalidateLocked(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if cl, ok := s.provider.(pr.Clearer); ok {
		if err := cl.Clear(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// withStored adds the user keys behind storage keys to known.
func (s *Store) withStored(known, stored []string) []string {
	prefix := s.storageKey("")
	seen := make(map[string]struct{}, len(known)+len(stored))
	for _, k := range known {
		seen[k] = struct{}{}
	}
	for _, sk := range stored {
		k, ok := strings.CutPrefix(sk, prefix)
		if !ok {
			continue
		}
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			known = append(known, k)
		}
	}
	return known
}

// Keys returns the keys currently known to this store, sorted.
func (s *Store) Keys() []string {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.knownKeysLocked()
}

func (s *Store) knownKeysLocked() []string {
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers fn for Put/Patch events on key. fn runs on the writing
// goroutine after the write completed; it may call back into the store.
func (s *Store) Subscribe(key string, fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	m, ok := s.subs[key]
	if !ok {
		m = make(map[uint64]func(Event))
		s.subs[key] = m
	}
	m[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			if m, ok := s.subs[key]; ok {
				delete(m, id)
				if len(m) == 0 {
					delete(s.subs, key)
				}
			}
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(ev Event) {
	s.subMu.RLock()
	m := s.subs[ev.Key]
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m[id])
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store) write(ctx context.Context, k string, frame wire.Entry, rec Record) (bool, error) {
	payload, err := s.codec.Encode(rec)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", s.codec.Name(), err)
	}
	frame.Payload = payload
	b := wire.EncodeEntry(frame)
	ok, err := s.provider.Set(ctx, k, b, int64(len(b)), s.retention)
	if err != nil {
		return false, err
	}
	if !ok {
		s.hooks.ProviderSetRejected(k)
		s.log.Debug("set rejected by provider (pressure)", Fields{"key": k})
	}
	return ok, nil
}

func (s *Store) selfHeal(ctx context.Context, storageKey, reason string) {
	_ = s.provider.Del(ctx, storageKey)
	s.hooks.SelfHealEntry(storageKey, reason)
	s.log.Debug("self-healed entry", Fields{"key": storageKey, "reason": reason})
}

func (s *Store) storageKey(userKey string) string {
	// isolate by namespace
	return "rec:" + s.ns + ":" + userKey
}
