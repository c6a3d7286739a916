// Package lock implements token based distributed mutual exclusion in the
// style of Suzuki and Kasami.
//
// A group of N sites shares a single token. A site that wants to enter its
// critical section broadcasts a REQUEST carrying a fresh sequence number and
// waits until the token reaches it. Every site tracks the highest sequence
// number seen from each peer (RN); the token carries the last granted
// sequence number of each site (LN) and a queue of sites with an outstanding
// request. On exit the holder appends every newly outstanding site to the
// queue and forwards the token to its head.
//
// Each Site owns its protocol state on a single goroutine started by Run.
// Acquire, TryLock and Release talk to that goroutine through a command
// channel, so handlers never race with local callers.
package lock
