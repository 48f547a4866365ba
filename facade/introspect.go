// File: facade/introspect.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import (
	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/internal/transport/shm"
	"github.com/momentics/hioload-ipc/internal/transport/stream"
)

func (e *Endpoint) currentTransport() api.Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport
}

// Stats returns the endpoint counters merged with the transport's own.
// Counters are absent when metrics are disabled.
func (e *Endpoint) Stats() map[string]any {
	out := map[string]any{}
	if e.metrics != nil {
		out = e.metrics.GetSnapshot()
	}
	out["connected"] = e.IsConnected()
	switch t := e.currentTransport().(type) {
	case *shm.Transport:
		sent, received, dropped := t.Stats()
		out["transport.frames_sent"] = sent
		out["transport.frames_received"] = received
		out["transport.dropped"] = dropped
	case *stream.Transport:
		sent, received := t.Stats()
		out["transport.frames_sent"] = sent
		out["transport.frames_received"] = received
	}
	return out
}

// DumpState runs the debug probes. It returns an empty map when debug
// is disabled.
func (e *Endpoint) DumpState() map[string]any {
	if e.probes == nil {
		return map[string]any{}
	}
	return e.probes.DumpState()
}

func (e *Endpoint) registerProbes() {
	e.probes.RegisterProbe("endpoint.name", func() any { return e.name })
	e.probes.RegisterProbe("endpoint.method", func() any { return e.method.String() })
	e.probes.RegisterProbe("endpoint.connected", func() any { return e.IsConnected() })
	e.probes.RegisterProbe("endpoint.peer", func() any { return e.PeerID() })
	e.probes.RegisterProbe("transport.state", func() any {
		if t := e.currentTransport(); t != nil {
			return t.State().String()
		}
		return api.StateDisconnected.String()
	})
	e.probes.RegisterProbe("shm.poll_intervals", func() any {
		t, ok := e.currentTransport().(*shm.Transport)
		if !ok {
			return nil
		}
		read, write := t.PollIntervals()
		return map[string]string{"read": read.String(), "write": write.String()}
	})
	control.RegisterPlatformProbes(e.probes)
}
