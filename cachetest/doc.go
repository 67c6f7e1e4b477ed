// Package cachetest provides a reusable contract suite for tiercache.Backend
// implementations.
//
// Backend tests can run the suite without depending on each other's helpers:
//
//	func TestRedisBackendContract(t *testing.T) {
//		client := newTestRedisClient(t)
//		backend := tiercache.NewRedisBackend(context.Background(), client)
//
//		// Namespace keys per test and tune TTL waits for backend semantics.
//		cachetest.RunBackendContract(t, backend, cachetest.Options{
//			CaseName: t.Name(),
//			TTL:      time.Second,
//			TTLWait:  1500 * time.Millisecond,
//		})
//	}
//
// Example factory/cleanup wrapper:
//
//	func runContract(t *testing.T, mk func(t *testing.T) (tiercache.Backend, func())) {
//		t.Helper()
//		backend, cleanup := mk(t)
//		t.Cleanup(cleanup)
//		cachetest.RunBackendContract(t, backend, cachetest.Options{CaseName: t.Name()})
//	}
package cachetest
