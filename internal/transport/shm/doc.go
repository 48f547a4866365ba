// File: internal/transport/shm/doc.go
// Package shm
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared-memory transport. Two processes map one named file and exchange
// frames through two zones, one per direction:
//
//	[header][zone A][zone B]
//	header: [magic u32][pad u32][owner A u32][owner B u32][reserved]
//	zone:   [lock u32][used u32][frames ...]
//
// Attaching claims a free owner word under an flock on the file; words
// held by exited processes are reclaimed and a third live attach is
// refused. Side A writes zone A and reads zone B. The last process to
// detach unlinks the name. A zone's used length and bytes are only
// touched while holding its lock word. There is no cross-process wakeup:
// a reader and a writer worker poll their zones with exponential backoff.
package shm
