// Package memequeue implements a single-producer/single-consumer
// byte-message queue between two processes, coordinated through a
// file-backed shared-memory region plus a kernel wait/wake primitive.
//
// A queue is opened with Open (a named file, conventionally on tmpfs) or
// OpenUDS (a Unix domain socket that passes an anonymous memfd instead
// of a path on disk). Whichever side wins the handshake becomes the
// owner: it sizes and zero-initializes the shared region. Both sides
// then drive the same queue through Send and Recv.
//
// Messages are opaque byte slices; framing, serialization, and retry
// policy are the caller's responsibility. The queue only transports
// bytes and coordinates the two offsets into the ring.
package memequeue
