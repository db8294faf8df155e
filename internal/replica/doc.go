// Package replica holds one copy of the replicated object graph and converts
// it to and from delta and full batches.
//
// The authority keeps the canonical copy; clients keep a speculative shadow
// whose local writes are tracked until the authority confirms them. A Store
// is driven from a single world thread; the lock only protects concurrent
// readers such as the admin surface.
package replica
