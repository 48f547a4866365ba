// File: facade/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import (
	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/control"
)

// Option adjusts an Endpoint before it starts.
type Option func(*Endpoint)

// WithMethod selects the transport. The default is shared memory.
func WithMethod(m api.Method) Option {
	return func(e *Endpoint) {
		e.method = m
		e.methodSet = true
	}
}

// WithConfig replaces the default configuration. The config's method is
// used unless WithMethod is also given.
func WithConfig(cfg *control.Config) Option {
	return func(e *Endpoint) {
		if cfg != nil {
			c := *cfg
			e.cfg = &c
		}
	}
}

// WithoutAutoStart leaves the endpoint idle until Start is called.
func WithoutAutoStart() Option {
	return func(e *Endpoint) { e.autoStart = false }
}
