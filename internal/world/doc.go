// Package world hosts one replicated world: the Authority that owns the
// canonical state and the Client that keeps a speculative shadow of it.
//
// Both hosts follow the same threading rule. Receive goroutines decode
// envelopes and stage them; all replicated state is touched only from Tick,
// which drains the staged messages and then flushes local dirty state as one
// delta batch. Stream messages are the exception and are relayed as they
// arrive.
package world
