// Package kbpf is the kernel side object model of an eBPF subsystem.
//
// It owns the state user space reaches through bpf(2): typed key/value maps,
// loaded programs and the fd table addressing both. Programs themselves are
// opaque here; a loader outside this package turns bytecode into something
// that can Run against a context buffer.
//
// Two map kinds exist, a fixed size Array indexed by a 4 byte key and an
// associative Hash. Both are safe for concurrent use and every operation on a
// map is a single critical section under the map's own lock.
//
// Lock order, outermost first:
//
//	Table.mu
//	  link.Engine.mu
//	    map locks
//
// The Table lock is released once an fd has been resolved, so map operations
// never run under it.
//
// Attaching programs to kprobes lives in package link, the bpf(2) entry point
// in package kernel.
package kbpf
