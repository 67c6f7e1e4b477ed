// Package tiercache provides a uniform cache contract over in-process and
// remote backends, plus composition on top of it: a bounded in-memory tier,
// a layered cache that chains tiers with read-repair, distributed and
// optimistic locks, serializers, and a typed facade.
//
// Backends implement the Backend interface. Construct one with NewBackend or
// the per-driver helpers, then either use it directly (raw bytes) or wrap it
// in a Cache for serialization, namespacing and default TTLs:
//
//	backend := tiercache.NewMemoryBackend(ctx)
//	c := tiercache.New(backend, tiercache.WithNamespace("app"))
//	_ = c.Set(ctx, "user:1", user, time.Minute)
//
// Absence is never an error: reads report misses through a boolean, and
// delete reports how many entries it removed. The only precondition failure
// signalled through an error is Add on an existing key (ErrKeyExists).
package tiercache
