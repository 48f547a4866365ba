// Package pool
// Author: momentics <momentics@gmail.com>
//
// Buffer recycling for hioload-ipc. Owning messages and stream read
// buffers draw from size-class pools so steady-state traffic does not
// allocate per frame.
package pool
