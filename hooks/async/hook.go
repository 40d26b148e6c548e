// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/syncstore"
//	"github.com/unkn0wn-root/syncstore/hooks/async"
//	"github.com/unkn0wn-root/syncstore/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery: 10, // sample logs: ~every 10th self-heal
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	res, _ := resolve.Default("https://api.example.com")
//	s, _ := syncstore.New(syncstore.Options{
//	    Transport: client,
//	    Resolver:  res,
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/syncstore"
)

type Hooks struct {
	inner   syncstore.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	dropped atomic.Uint64
}

var _ syncstore.Hooks = (*Hooks)(nil)

func New(inner syncstore.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}
	if inner == nil {
		inner = syncstore.NopHooks{}
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the queue was full or closed.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) FetchDeduplicated(k string)       { h.try(func() { h.inner.FetchDeduplicated(k) }) }
func (h *Hooks) FetchFailed(k string, err error)  { h.try(func() { h.inner.FetchFailed(k, err) }) }
func (h *Hooks) StaleWriteDropped(k string)       { h.try(func() { h.inner.StaleWriteDropped(k) }) }
func (h *Hooks) SelfHealEntry(k, r string)        { h.try(func() { h.inner.SelfHealEntry(k, r) }) }
func (h *Hooks) ProviderSetRejected(k string)     { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) CredentialsRefreshed()            { h.try(func() { h.inner.CredentialsRefreshed() }) }
func (h *Hooks) SessionExpired(reason string)     { h.try(func() { h.inner.SessionExpired(reason) }) }
func (h *Hooks) GenError(op, k string, err error) { h.try(func() { h.inner.GenError(op, k, err) }) }
func (h *Hooks) DeleteTreatedAsSuccess(k, c, id string) {
	h.try(func() { h.inner.DeleteTreatedAsSuccess(k, c, id) })
}
