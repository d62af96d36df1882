// Package handshake establishes which of two independent processes is the
// owner of a shared-memory queue (the side that sizes and zero-initializes
// it) and which is the peer, and yields a file descriptor for the shared
// region plus the negotiated queue capacity. Two variants are provided: a
// named-file variant using advisory file locks, and a local-socket variant
// that passes a memfd.
package handshake

import "io"

// Result is what either handshake variant produces: a descriptor for the
// shared memory, the negotiated queue size, and whether this process is
// the owner.
type Result interface {
	io.Closer

	// ShmemFD is the file descriptor to mmap: P+QueueSize bytes, header
	// then ring data.
	ShmemFD() uintptr

	// IsOwner is true for the side that sized and zero-initialized the
	// region.
	IsOwner() bool

	// QueueSize is Q, already rounded up to a page multiple.
	QueueSize() int

	// MarkReady transitions the shared region to ready for the peer. It
	// must be called once the engine has finished initializing the
	// header, after which the owner's exclusive hold on the region (a
	// file lock, or simply "not yet handed the memfd to anyone") is
	// released.
	MarkReady() error
}
