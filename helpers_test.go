package syncstore

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/syncstore/provider/memory"
)

// ==============================
// Shared fakes
// ==============================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type handlerFunc func(ctx context.Context, req Request) (Response, error)

// fakeTransport records every request and answers through handle.
type fakeTransport struct {
	mu     sync.Mutex
	calls  []Request
	handle handlerFunc
}

func newFakeTransport(h handlerFunc) *fakeTransport { return &fakeTransport{handle: h} }

func (f *fakeTransport) Do(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h := f.handle
	f.mu.Unlock()
	return h(ctx, req)
}

func (f *fakeTransport) setHandler(h handlerFunc) {
	f.mu.Lock()
	f.handle = h
	f.mu.Unlock()
}

// count returns how many requests matched method and url ("" matches any).
func (f *fakeTransport) count(method, url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.calls {
		if (method == "" || r.Method == method) && (url == "" || r.URL == url) {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return Request{}
	}
	return f.calls[len(f.calls)-1]
}

// pathResolver builds /projects/{key}/[{resource}/][{id}/][{action}/].
type pathResolver struct{}

func (pathResolver) Resolve(r Resource, v Vars) (string, error) {
	var b strings.Builder
	b.WriteString("/projects/" + v.Key + "/")
	if r != ResourceRecord {
		b.WriteString(string(r) + "/")
	}
	if v.ID != "" {
		b.WriteString(v.ID + "/")
	}
	if v.Action != "" {
		b.WriteString(v.Action + "/")
	}
	return b.String(), nil
}

type countingHooks struct {
	NopHooks
	deduped     atomic.Int64
	failed      atomic.Int64
	staleDrops  atomic.Int64
	selfHeals   atomic.Int64
	deleteGone  atomic.Int64
	lastHealWhy atomic.Value
}

func (h *countingHooks) FetchDeduplicated(string)                      { h.deduped.Add(1) }
func (h *countingHooks) FetchFailed(string, error)                     { h.failed.Add(1) }
func (h *countingHooks) StaleWriteDropped(string)                      { h.staleDrops.Add(1) }
func (h *countingHooks) DeleteTreatedAsSuccess(string, string, string) { h.deleteGone.Add(1) }

func (h *countingHooks) SelfHealEntry(_, why string) {
	h.selfHeals.Add(1)
	h.lastHealWhy.Store(why)
}

func jsonResponse(body string) Response {
	return Response{Status: http.StatusOK, JSON: true, Body: []byte(body)}
}

const alphaDoc = `{"slug":"alpha","title":"Clean Water","metrics":{"households":12},` +
	`"updates":[{"id":"u1","title":"Kickoff"}],` +
	`"milestones":[{"id":"m1","title":"Survey","completed":false}],` +
	`"gallery":[],"evidence":[{"id":"e1","name":"receipt.pdf"}]}`

// recordHandler serves doc for GET /projects/{key}/ and 404s everything else.
func recordHandler(doc string) handlerFunc {
	return func(_ context.Context, req Request) (Response, error) {
		if req.Method == http.MethodGet && strings.Count(req.URL, "/") == 3 {
			return jsonResponse(doc), nil
		}
		return Response{}, &RemoteError{Method: req.Method, URL: req.URL, Status: http.StatusNotFound}
	}
}

type testEnv struct {
	s         *syncer
	transport *fakeTransport
	clock     *fakeClock
	hooks     *countingHooks
	provider  *memory.Provider
}

func newTestSyncer(t *testing.T, h handlerFunc, optsOpt func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		transport: newFakeTransport(h),
		clock:     newFakeClock(),
		hooks:     &countingHooks{},
	}
	env.provider = memory.NewWithClock(env.clock.Now)
	opts := Options{
		Transport: env.transport,
		Resolver:  pathResolver{},
		Provider:  env.provider,
		Hooks:     env.hooks,
		Now:       env.clock.Now,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	sy, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	impl, ok := sy.(*syncer)
	if !ok {
		t.Fatalf("unexpected concrete type for Syncer")
	}
	env.s = impl
	t.Cleanup(func() { _ = sy.Close(context.Background()) })
	return env
}

func mustPayload(t *testing.T, r Record) string {
	t.Helper()
	b, err := r.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	return string(b)
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
