//go:build !linux

// File: internal/transport/stream/transport_other.go
// Author: momentics <momentics@gmail.com>

package stream

import (
	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/pool"
	"github.com/momentics/hioload-ipc/protocol"
	"github.com/momentics/hioload-ipc/reactor"
)

// Transport is unavailable on this platform; Connect always fails.
type Transport struct {
	cfg Config
}

func New(cfg Config, recv api.Receiver, r reactor.Reactor, idle *ReactorIdle, bufs *pool.BytePool) *Transport {
	return &Transport{cfg: cfg}
}

func (t *Transport) Connect() error {
	return api.NewError(api.KindSetupFailure, "stream connect", api.ErrNotSupported)
}

func (t *Transport) Send(m *protocol.Message) error {
	m.Release()
	return api.ErrNotSupported
}

func (t *Transport) Close() error                  { return nil }
func (t *Transport) OnQuit()                       {}
func (t *Transport) State() api.State              { return api.StateDisconnected }
func (t *Transport) PeerID() uint32                { return 0 }
func (t *Transport) ProcessID() uint32             { return t.cfg.ProcessID }
func (t *Transport) MaxFrameSize() int             { return t.cfg.MaxFrameSize }
func (t *Transport) Stats() (sent, received uint64) { return 0, 0 }
func (t *Transport) Listening() bool               { return false }
