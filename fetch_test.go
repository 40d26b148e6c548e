package syncstore

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

// ==============================
// Freshness
// ==============================

func TestFetchServesFreshEntryWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	env := newTestSyncer(t, recordHandler(alphaDoc), nil)

	first, err := env.s.Fetch(ctx, "alpha", false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	env.clock.Advance(DefaultFreshness - time.Second)
	second, err := env.s.Fetch(ctx, "alpha", false)
	if err != nil {
		t.Fatalf("Fetch (fresh): %v", err)
	}
	if n := env.transport.count(http.MethodGet, ""); n != 1 {
		t.Fatalf("expected 1 request inside TTL, got %d", n)
	}
	if mustPayload(t, first) != mustPayload(t, second) {
		t.Fatalf("cached record differs from fetched one")
	}

	env.clock.Advance(time.Second)
	if _, err := env.s.Fetch(ctx, "alpha", false); err != nil {
		t.Fatalf("Fetch (stale): %v", err)
	}
	if n := env.transport.count(http.MethodGet, ""); n != 2 {
		t.Fatalf("expected a refetch once TTL elapsed, got %d requests", n)
	}
}

func TestFetchForceBypassesFreshness(t *testing.T) {
	ctx := context.Background()
	env := newTestSyncer(t, recordHandler(alphaDoc), nil)

	for i := 0; i < 3; i++ {
		if _, err := env.s.Fetch(ctx, "alpha", true); err != nil {
			t.Fatalf("Fetch force #%d: %v", i, err)
		}
	}
	if n := env.transport.count(http.MethodGet, "/projects/alpha/"); n != 3 {
		t.Fatalf("forced fetches should each hit the network, got %d", n)
	}
}

func TestFetchCustomFreshness(t *testing.T) {
	ctx := context.Background()
	env := newTestSyncer(t, recordHandler(alphaDoc), func(o *Options) { o.Freshness = 10 * time.Second })

	_, _ = env.s.Fetch(ctx, "alpha", false)
	env.clock.Advance(10 * time.Second)
	_, _ = env.s.Fetch(ctx, "alpha", false)
	if n := env.transport.count("", ""); n != 2 {
		t.Fatalf("custom freshness not honored: %d requests", n)
	}
}

// ==============================
// De-duplication
// ==============================

// blockingHandler serves doc once release is closed and signals entered on
// every call.
func blockingHandler(doc string, entered chan<- struct{}, release <-chan struct{}) handlerFunc {
	return func(_ context.Context, req Request) (Response, error) {
		entered <- struct{}{}
		<-release
		return jsonResponse(doc), nil
	}
}

func TestFetchReturnCachedWhilePending(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	env := newTestSyncer(t, blockingHandler(alphaDoc, entered, release), nil)

	done := make(chan error, 1)
	go func() {
		_, err := env.s.Fetch(ctx, "alpha", false)
		done <- err
	}()
	<-entered
	if !env.s.Pending("alpha") {
		t.Fatalf("key should be pending during the fetch")
	}

	// nothing cached yet
	if _, err := env.s.Fetch(ctx, "alpha", false); !errors.Is(err, ErrPending) {
		t.Fatalf("expected ErrPending, got %v", err)
	}
	// force does not start a second request either
	if _, err := env.s.Fetch(ctx, "alpha", true); !errors.Is(err, ErrPending) {
		t.Fatalf("expected ErrPending for forced fetch, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	if env.s.Pending("alpha") {
		t.Fatalf("pending flag must clear after completion")
	}
	if n := env.transport.count("", ""); n != 1 {
		t.Fatalf("expected exactly 1 request, got %d", n)
	}
	if env.hooks.deduped.Load() != 2 {
		t.Fatalf("dedup hook count = %d, want 2", env.hooks.deduped.Load())
	}
}

func TestFetchReturnCachedServesStaleWhilePending(t *testing.T) {
	ctx := context.Background()
	env := newTestSyncer(t, recordHandler(alphaDoc), nil)
	if _, err := env.s.Fetch(ctx, "alpha", false); err != nil {
		t.Fatalf("warm Fetch: %v", err)
	}

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	env.transport.setHandler(blockingHandler(`{"title":"v2"}`, entered, release))
	done := make(chan struct{})
	go func() {
		_, _ = env.s.Fetch(ctx, "alpha", true)
		close(done)
	}()
	<-entered

	rec, err := env.s.Fetch(ctx, "alpha", true)
	if err != nil {
		t.Fatalf("Fetch while pending: %v", err)
	}
	if rec.Fields.Get("title").String() != "Clean Water" {
		t.Fatalf("expected the cached record, got %s", rec.Fields)
	}
	close(release)
	<-done

	e, _ := env.s.Get(ctx, "alpha")
	if e.Record.Fields.Get("title").String() != "v2" {
		t.Fatalf("completed fetch should replace the entry, got %s", e.Record.Fields)
	}
}

func TestFetchWaitForInflightSharesOneRequest(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	env := newTestSyncer(t, blockingHandler(alphaDoc, entered, release), func(o *Options) {
		o.Inflight = WaitForInflight
	})

	const callers = 5
	var wg sync.WaitGroup
	recs := make([]Record, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i], errs[i] = env.s.Fetch(ctx, "alpha", false)
		}(i)
	}
	<-entered
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if recs[i].Fields.Get("title").String() != "Clean Water" {
			t.Fatalf("caller %d got %s", i, recs[i].Fields)
		}
	}
	if n := env.transport.count("", ""); n != 1 {
		t.Fatalf("expected 1 shared request, got %d", n)
	}
}

func TestFetchWaitForInflightCallerCancelDoesNotAbortFetch(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	env := newTestSyncer(t, blockingHandler(alphaDoc, entered, release), func(o *Options) {
		o.Inflight = WaitForInflight
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.s.Fetch(ctx, "alpha", false)
		done <- err
	}()
	<-entered
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("waiting caller should see its own cancellation, got %v", err)
	}

	close(release)
	waitFor(t, "fetch to complete", func() bool { return !env.s.Pending("alpha") })
	if _, ok := env.s.Get(context.Background(), "alpha"); !ok {
		t.Fatalf("the detached fetch should still store its result")
	}
}

func TestFetchWaitForInflightForcedCallerGetsOwnRequest(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	env := newTestSyncer(t, blockingHandler(alphaDoc, entered, release), func(o *Options) {
		o.Inflight = WaitForInflight
	})

	errs := make(chan error, 2)
	go func() {
		_, err := env.s.Fetch(ctx, "alpha", false)
		errs <- err
	}()
	<-entered
	go func() {
		_, err := env.s.Fetch(ctx, "alpha", true)
		errs <- err
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatalf("forced caller joined the unforced flight instead of fetching")
	}
	close(release)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}
	if n := env.transport.count(http.MethodGet, ""); n != 2 {
		t.Fatalf("expected 2 requests, got %d", n)
	}
	waitFor(t, "pending to clear", func() bool { return !env.s.Pending("alpha") })
}

func TestFetchRunsToCompletionAfterCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var sawCanceled bool
	env := newTestSyncer(t, func(reqCtx context.Context, req Request) (Response, error) {
		cancel()
		sawCanceled = reqCtx.Err() != nil
		return jsonResponse(alphaDoc), nil
	}, nil)

	if _, err := env.s.Fetch(ctx, "alpha", false); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if sawCanceled {
		t.Fatalf("transport must not see the caller's cancellation")
	}
	if _, ok := env.s.Get(context.Background(), "alpha"); !ok {
		t.Fatalf("result should be stored")
	}
}

// ==============================
// Failures
// ==============================

func TestFetchErrorKeepsStaleEntryAndRecordsErr(t *testing.T) {
	ctx := context.Background()
	env := newTestSyncer(t, recordHandler(alphaDoc), nil)
	if _, err := env.s.Fetch(ctx, "alpha", false); err != nil {
		t.Fatalf("warm Fetch: %v", err)
	}
	before, _ := env.s.Get(ctx, "alpha")

	boom := &NetworkError{Method: http.MethodGet, URL: "/projects/alpha/", Err: errors.New("connection refused")}
	env.transport.setHandler(func(context.Context, Request) (Response, error) { return Response{}, boom })
	env.clock.Advance(time.Minute)

	if _, err := env.s.Fetch(ctx, "alpha", true); !errors.Is(err, boom) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !errors.Is(env.s.Err("alpha"), boom) {
		t.Fatalf("Err(alpha) = %v", env.s.Err("alpha"))
	}
	if env.s.Pending("alpha") {
		t.Fatalf("failed fetch must clear pending")
	}
	after, ok := env.s.Get(ctx, "alpha")
	if !ok || mustPayload(t, after.Record) != mustPayload(t, before.Record) || !after.FetchedAt.Equal(before.FetchedAt) {
		t.Fatalf("failed fetch must leave the entry untouched")
	}
	if env.hooks.failed.Load() != 1 {
		t.Fatalf("FetchFailed hook count = %d", env.hooks.failed.Load())
	}

	env.transport.setHandler(recordHandler(alphaDoc))
	if _, err := env.s.Fetch(ctx, "alpha", true); err != nil {
		t.Fatalf("recovery Fetch: %v", err)
	}
	if env.s.Err("alpha") != nil {
		t.Fatalf("successful fetch should clear Err, got %v", env.s.Err("alpha"))
	}
}

func TestFetchInvalidateClearsErr(t *testing.T) {
	ctx := context.Background()
	env := newTestSyncer(t, func(_ context.Context, req Request) (Response, error) {
		return Response{}, &RemoteError{Method: req.Method, URL: req.URL, Status: http.StatusInternalServerError}
	}, nil)

	_, _ = env.s.Fetch(ctx, "alpha", false)
	_, _ = env.s.Fetch(ctx, "beta", false)
	if env.s.Err("alpha") == nil || env.s.Err("beta") == nil {
		t.Fatalf("errors should be recorded")
	}
	if err := env.s.Invalidate(ctx, "alpha"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if env.s.Err("alpha") != nil || env.s.Err("beta") == nil {
		t.Fatalf("Invalidate should clear only its key's error")
	}
	if err := env.s.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if env.s.Err("beta") != nil {
		t.Fatalf("InvalidateAll should clear all errors")
	}
}

func TestFetchNonJSONBodyIsPayloadError(t *testing.T) {
	ctx := context.Background()
	env := newTestSyncer(t, func(context.Context, Request) (Response, error) {
		return Response{Status: http.StatusOK, Body: []byte("<html>maintenance</html>")}, nil
	}, nil)

	_, err := env.s.Fetch(ctx, "alpha", false)
	var pe *PayloadError
	if !errors.As(err, &pe) || pe.Key != "alpha" {
		t.Fatalf("expected PayloadError, got %v", err)
	}
	if _, ok := env.s.Get(ctx, "alpha"); ok {
		t.Fatalf("payload error must not populate the cache")
	}
}

func TestFetchNoContentYieldsEmptyRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestSyncer(t, func(context.Context, Request) (Response, error) {
		return Response{Status: http.StatusNoContent, NoContent: true}, nil
	}, nil)

	rec, err := env.s.Fetch(ctx, "alpha", false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	for _, c := range Collections {
		if items := rec.Items(c); items == nil || len(items) != 0 {
			t.Fatalf("collection %s = %v, want empty", c, items)
		}
	}
	if string(rec.Metrics) != "{}" {
		t.Fatalf("metrics = %s, want {}", rec.Metrics)
	}
}

func TestFetchResultDroppedWhenInvalidatedMidFlight(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	env := newTestSyncer(t, blockingHandler(alphaDoc, entered, release), nil)

	done := make(chan struct{})
	go func() {
		_, _ = env.s.Fetch(ctx, "alpha", false)
		close(done)
	}()
	<-entered
	if err := env.s.Invalidate(ctx, "alpha"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	close(release)
	<-done

	if _, ok := env.s.Get(ctx, "alpha"); ok {
		t.Fatalf("a fetch started before invalidation must not store")
	}
	if env.hooks.staleDrops.Load() != 1 {
		t.Fatalf("StaleWriteDropped count = %d", env.hooks.staleDrops.Load())
	}
}

// ==============================
// Metrics
// ==============================

func TestRefreshMetricsPatchesWithoutExtendingFreshness(t *testing.T) {
	ctx := context.Background()
	env := newTestSyncer(t, func(_ context.Context, req Request) (Response, error) {
		if req.URL == "/projects/alpha/metrics/" {
			return jsonResponse(`{"households":40}`), nil
		}
		return recordHandler(alphaDoc)(ctx, req)
	}, nil)

	if _, err := env.s.Fetch(ctx, "alpha", false); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	before, _ := env.s.Get(ctx, "alpha")
	env.clock.Advance(time.Minute)

	m, err := env.s.RefreshMetrics(ctx, "alpha")
	if err != nil {
		t.Fatalf("RefreshMetrics: %v", err)
	}
	if m.Get("households").Int() != 40 {
		t.Fatalf("metrics = %s", m)
	}
	after, _ := env.s.Get(ctx, "alpha")
	if after.Record.Metrics.Get("households").Int() != 40 {
		t.Fatalf("cached metrics not patched: %s", after.Record.Metrics)
	}
	if !after.FetchedAt.Equal(before.FetchedAt) {
		t.Fatalf("RefreshMetrics must not extend freshness")
	}
	if len(after.Record.Updates) != 1 {
		t.Fatalf("collections changed by metrics refresh")
	}
}

func TestNewRequiresTransportAndResolver(t *testing.T) {
	if _, err := New(Options{Resolver: pathResolver{}}); err == nil {
		t.Fatalf("expected error without transport")
	}
	if _, err := New(Options{Transport: newFakeTransport(nil)}); err == nil {
		t.Fatalf("expected error without resolver")
	}
	if _, err := New(Options{Transport: newFakeTransport(nil), Resolver: pathResolver{}, Inflight: 9}); err == nil {
		t.Fatalf("expected error for unknown inflight policy")
	}
}

func TestInflightPolicyText(t *testing.T) {
	for _, p := range []InflightPolicy{ReturnCached, WaitForInflight} {
		var got InflightPolicy
		if err := got.UnmarshalText([]byte(p.String())); err != nil || got != p {
			t.Fatalf("%s: got %v err %v", p, got, err)
		}
	}
	var p InflightPolicy
	if err := p.UnmarshalText([]byte("block")); err == nil {
		t.Fatalf("expected error for unknown name")
	}
}
