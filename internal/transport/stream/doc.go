// File: internal/transport/stream/doc.go
// Package stream
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Byte-stream transport over an abstract Unix domain socket. The first
// endpoint to use a name listens and accepts exactly one peer; the second
// connects. Frames are the same as on shared memory and the same HELLO
// and GOODBYE control frames are exchanged. The transport runs on one
// worker whose idle step waits on the readiness reactor.
package stream
