// Package util provides small building blocks shared by the document,
// awareness and session packages.
//
// The package contains:
//   - mapheap: a min-heap with key-based access, used to expire awareness entries in deadline order
//   - inbox: a lock-free multi-producer single-consumer queue that feeds the single goroutine of a session
//   - functions: random identifiers for replicas and clients
//
// None of the types are tied to a particular domain. MapHeap is not goroutine
// safe; Inbox is safe for any number of producers and exactly one consumer.
package util
