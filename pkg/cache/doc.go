// Package cache implements a multi-layer, security-aware semantic cache for
// AI-generated content. It sits between a request-serving layer and an
// expensive generation backend and provides:
//
//   - exact-key lookups across a bounded in-process tier (L1) and a
//     Redis-backed shared tier (L2)
//   - approximate similarity matching over content embeddings when an exact
//     key misses, partitioned by security namespace
//   - adaptive time-to-live based on content type, priority class, and
//     observed access frequency, with a grace window for stale serves
//   - cascading invalidation of dependency trees across both tiers and the
//     similarity index
//
// All reads and writes pass through a single security gate that enforces
// namespace authorization and scrubs sensitive data at write time. The
// Cache facade is the only entry point intended for external callers and is
// safe for concurrent use.
package cache
