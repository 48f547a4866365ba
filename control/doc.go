// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection for hioload-ipc
// endpoints.
//
// Provides concurrent-safe state handling primitives including:
//   - YAML-loadable endpoint configuration with validation
//   - Counter and gauge registry
//   - Named debug probes and state export
package control
