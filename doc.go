// Package memlanes implements a pooled bump allocator for short-lived byte
// buffers. Buffers ("fragments") are carved from preallocated fixed-capacity
// regions ("lanes"), which are grouped into an expandable multi-lane pool
// ("highway"). It targets workloads that allocate and release large numbers
// of similarly-scoped buffers, e.g. message framing on sockets, or
// per-request scratch space, and want to avoid general-purpose heap
// fragmentation and GC pressure.
//
// Lanes hand out fragments by advancing a monotonic offset, and track the
// number of live fragments. When the last fragment of a cycle is disposed,
// the lane resets its offset to zero and starts a new cycle, invalidating
// any fragment handles leaked across the reset (detected via per-fragment
// cycle checks). Backing storage is one of the process-managed heap, an
// OS-level anonymous mapping, or a memory-mapped scratch file.
//
// The highway's lane collection, and the per-lane ghost index, are backed by
// Tesseract, a concurrent, indexable, append-expandable container with a
// four-mode "gear" protocol governing which mutations may run concurrently.
package memlanes
