// Package session implements the shared state of one remote-access session:
// its lifecycle, its resource pools (layers, buffers, streams), its attached
// users, and the broadcast sink that fans written instructions out to every
// attached user.
//
// A Session is owned by exactly one worker. Inside that worker, any number
// of per-user goroutines operate on the session concurrently; the session's
// membership list and lifecycle transitions are the only cross-user shared
// state, and both are safe for concurrent use. Resource pools are private to
// the session but also locked, since several users may allocate on the same
// session at once.
//
// The broadcast sink deliberately exposes only WriteInstruction and Flush.
// Reading from an aggregate of many users has no coherent meaning, so the
// capability is absent at the type level rather than stubbed to fail at
// runtime; a user's own transport keeps the full read/write surface.
package session
