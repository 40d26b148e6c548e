// Package syncstore implements a client-side synchronization layer for per-project
// tracking data fetched from a remote HTTP API. Records are cached per key, served
// while fresh, fetched at most once at a time per key, and reconciled after writes
// either by a targeted local patch or by a forced re-fetch.
//
// Components:
//   - Store: cached records plus their freshness stamp, backed by a byte Provider
//     (in-process map by default; Ristretto, BigCache or Redis optional) and a
//     Codec[Record]. Per-key generations (GenStore) drop fetch results that were
//     started before an invalidation.
//   - Coordinator: the only path that populates the Store from the remote source.
//   - Transport: the authenticated leaf (see package transport). It refreshes an
//     expired access credential at most once per request.
//   - Mutation pipeline: a declarative table mapping each Action to a
//     reconciliation Strategy (patch, refetch, idempotent delete).
//
// Storage keys:
//
//	rec:<ns>:<key>  - one framed entry per record (gen | fetchedAt | payload)
//
// Typical use:
//
//	res, _ := resolve.Default(baseURL)
//	s, _ := syncstore.New(syncstore.Options{
//	    Transport: client, // *transport.Client
//	    Resolver:  res,
//	})
//	rec, err := s.Fetch(ctx, "clean-water", false)
//	unsub := s.Subscribe("clean-water", func(ev syncstore.Event) { render(ev.Record) })
//	defer unsub()
//	_, err = s.ToggleFeatured(ctx, "clean-water", "42")
package syncstore
