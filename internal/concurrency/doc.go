// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cooperative worker units for hioload-ipc. A Worker owns one goroutine
// that drains a task queue and then runs an injected idle step; the idle
// step is where transports poll shared memory or wait on the reactor.
// SharedWorker pairs a reader and a writer unit for the shared-memory
// transport. Optional OS thread locking and CPU pinning are supported on
// Linux.
package concurrency
