// File: facade/endpoint.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Endpoint is the public face of hioload-ipc. It owns one transport and
// the worker unit that drives it, and exposes a fire-and-forget Send
// alongside connection state, metrics and debug probes.

package facade

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/internal/concurrency"
	"github.com/momentics/hioload-ipc/internal/transport/shm"
	"github.com/momentics/hioload-ipc/internal/transport/stream"
	"github.com/momentics/hioload-ipc/pool"
	"github.com/momentics/hioload-ipc/protocol"
	"github.com/momentics/hioload-ipc/reactor"
)

// Endpoint connects to the peer sharing its name over the selected method.
type Endpoint struct {
	name      string
	cfg       *control.Config
	method    api.Method
	methodSet bool
	autoStart bool
	recv      api.Receiver

	metrics *control.MetricsRegistry
	probes  *control.DebugProbes
	bufs    *pool.BytePool

	mu        sync.Mutex
	worker    api.Worker
	shared    *concurrency.SharedWorker
	react     reactor.Reactor
	idle      *stream.ReactorIdle
	transport api.Transport
	connected bool
	peer      uint32
	closing   bool
}

// New creates an endpoint for the channel name and, unless
// WithoutAutoStart is given, starts it.
func New(name string, receiver api.Receiver, opts ...Option) (*Endpoint, error) {
	if name == "" || receiver == nil {
		return nil, fmt.Errorf("%w: endpoint needs a name and a receiver", api.ErrInvalidArgument)
	}
	e := &Endpoint{
		name:      name,
		cfg:       control.DefaultConfig(),
		autoStart: true,
		recv:      receiver,
		bufs:      pool.NewBytePool(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if !e.methodSet {
		m, _ := e.cfg.MethodValue()
		e.method = m
	}
	if e.cfg.EnableMetrics {
		e.metrics = control.NewMetricsRegistry()
	}
	if e.cfg.EnableDebug {
		e.probes = control.NewDebugProbes()
		e.registerProbes()
	}
	if e.autoStart {
		if err := e.Start(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Endpoint) Name() string       { return e.name }
func (e *Endpoint) Method() api.Method { return e.method }

// Start builds the worker unit and posts transport creation to it. Setup
// failures are reported to the receiver's OnError, after which Start may
// be called again. Calling Start on a running endpoint does nothing.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.worker != nil {
		return nil
	}
	var opts []concurrency.WorkerOption
	if e.cfg.LockOSThread {
		opts = append(opts, concurrency.WithThreadLock())
	}
	if e.cfg.CPUAffinity >= 0 {
		opts = append(opts, concurrency.WithCPU(e.cfg.CPUAffinity))
	}

	switch e.method {
	case api.MethodShared:
		sw := concurrency.NewSharedWorker(e.name, opts...)
		e.shared = sw
		e.worker = sw
	case api.MethodPipe:
		r, err := reactor.New()
		if err != nil {
			return api.NewError(api.KindSetupFailure, "endpoint start", err)
		}
		e.react = r
		e.idle = stream.NewReactorIdle(r, e.cfg.StreamPollTimeout)
		e.worker = concurrency.NewWorker(e.name, e.idle, opts...)
	default:
		return fmt.Errorf("%w: method %v", api.ErrInvalidArgument, e.method)
	}
	e.closing = false
	w := e.worker
	w.Start()
	w.PostTask(func() { e.openTransport(w) })
	log.Printf("[endpoint] %s: started (%s)", e.name, e.method)
	return nil
}

// newTransport builds a disconnected transport for the configured method.
func (e *Endpoint) newTransport() api.Transport {
	rx := endpointReceiver{e: e}
	if e.method == api.MethodShared {
		return shm.New(shm.Config{
			Name:             e.name,
			ProcessID:        e.cfg.ProcessID,
			MapSize:          e.cfg.MaxMapSize,
			PollFloor:        e.cfg.PollFloor,
			PollCeiling:      e.cfg.PollCeiling,
			LockTimeout:      e.cfg.LockTimeout,
			GoodbyeTimeout:   e.cfg.GoodbyeTimeout,
			HandshakeTimeout: e.cfg.HandshakeTimeout,
		}, rx)
	}
	return stream.New(stream.Config{
		Name:             e.name,
		ProcessID:        e.cfg.ProcessID,
		MaxFrameSize:     e.cfg.ZoneFrameLimit(),
		ReadBufferSize:   e.cfg.ReadBufferSize,
		HandshakeTimeout: e.cfg.HandshakeTimeout,
	}, rx, e.react, e.idle, e.bufs)
}

// openTransport runs on the worker owned by w.
func (e *Endpoint) openTransport(w api.Worker) {
	t := e.newTransport()
	if err := t.Connect(); err != nil {
		log.Printf("[endpoint] %s: %v", e.name, err)
		e.count("errors", 1)
		e.abandon(w)
		e.recv.OnError(err)
		return
	}
	e.mu.Lock()
	if e.closing || e.worker != w {
		e.mu.Unlock()
		t.Close()
		return
	}
	e.transport = t
	sw := e.shared
	e.mu.Unlock()
	if h, ok := t.(concurrency.NotifyHandler); ok && sw != nil {
		sw.SetHandler(h)
	}
}

// abandon drops a worker unit whose transport could not be set up so a
// later Start builds a fresh one. Runs on w's own goroutine.
func (e *Endpoint) abandon(w api.Worker) {
	e.mu.Lock()
	if e.worker != w {
		e.mu.Unlock()
		return
	}
	r := e.react
	e.worker, e.shared, e.react, e.idle = nil, nil, nil, nil
	e.mu.Unlock()
	w.Stop()
	if r != nil {
		r.Close()
	}
}

// recreate replaces a failed stream transport with a fresh one that
// dials or listens again. Runs on the worker goroutine.
func (e *Endpoint) recreate(old api.Transport) {
	e.mu.Lock()
	if e.closing || e.transport != old || old.State() != api.StateError {
		e.mu.Unlock()
		return
	}
	e.transport = nil
	e.mu.Unlock()

	old.Close()
	t := e.newTransport()
	if err := t.Connect(); err != nil {
		log.Printf("[endpoint] %s: reconnect: %v", e.name, err)
		e.count("errors", 1)
		e.recv.OnError(err)
		return
	}
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		t.Close()
		return
	}
	e.transport = t
	e.mu.Unlock()
	e.count("reconnects", 1)
	log.Printf("[endpoint] %s: stream transport re-created", e.name)
}

// Send hands m to the worker and returns at once. Ownership of m passes
// to the endpoint. Returns false, releasing m, when there is no
// transport yet, the peer is not connected or m is too large.
func (e *Endpoint) Send(m *protocol.Message) bool {
	if m == nil || m.Released() {
		return false
	}
	e.mu.Lock()
	t, w, ok := e.transport, e.worker, e.connected
	e.mu.Unlock()
	if t == nil || w == nil || !ok || m.Size() > t.MaxFrameSize() {
		m.Release()
		return false
	}
	size := uint64(m.Size())
	posted := w.PostTask(func() {
		if err := t.Send(m); err != nil {
			log.Printf("[endpoint] %s: send: %v", e.name, err)
			e.count("send_failures", 1)
			return
		}
		e.count("messages_sent", 1)
		e.count("bytes_sent", size)
	})
	if !posted {
		m.Release()
	}
	return posted
}

// IsConnected reports whether the peer's HELLO has been seen and the
// connection has not been lost since.
func (e *Endpoint) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// PeerID is the connected peer's process id, or zero.
func (e *Endpoint) PeerID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return 0
	}
	return e.peer
}

func (e *Endpoint) setConnected(on bool, peer uint32) {
	e.mu.Lock()
	e.connected = on
	e.peer = peer
	e.mu.Unlock()
}

// Close tears down the transport on its worker, waiting at most
// CloseTimeout, then stops the worker. It must not be called from a
// receiver callback.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	w, r := e.worker, e.react
	e.connected = false
	e.peer = 0
	e.closing = true
	e.mu.Unlock()
	if w == nil {
		return nil
	}

	done := make(chan error, 1)
	posted := w.PostTask(func() {
		e.mu.Lock()
		t := e.transport
		e.mu.Unlock()
		if t == nil {
			done <- nil
			return
		}
		done <- t.Close()
	})
	var err error
	if posted {
		timer := time.NewTimer(e.cfg.CloseTimeout)
		select {
		case err = <-done:
		case <-timer.C:
			log.Printf("[endpoint] %s: transport close timed out after %v", e.name, e.cfg.CloseTimeout)
		}
		timer.Stop()
	}

	w.Stop()
	if !w.Wait(e.cfg.CloseTimeout) {
		log.Printf("[endpoint] %s: worker did not stop within %v", e.name, e.cfg.CloseTimeout)
	}
	if r != nil {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	e.mu.Lock()
	if e.worker == w {
		e.worker, e.shared, e.react, e.idle = nil, nil, nil, nil
		e.transport = nil
	}
	e.mu.Unlock()
	log.Printf("[endpoint] %s: closed", e.name)
	return err
}

func (e *Endpoint) count(key string, n uint64) {
	if e.metrics != nil {
		e.metrics.Add(key, n)
	}
}

// endpointReceiver sits between the transport and the application.
type endpointReceiver struct {
	e *Endpoint
}

func (r endpointReceiver) OnMessageReceived(v protocol.View) bool {
	r.e.count("messages_received", 1)
	r.e.count("bytes_received", uint64(v.Size()))
	return r.e.recv.OnMessageReceived(v)
}

func (r endpointReceiver) OnConnected(peer uint32) {
	r.e.setConnected(true, peer)
	r.e.count("connects", 1)
	log.Printf("[endpoint] %s: connected to %d", r.e.name, peer)
	r.e.recv.OnConnected(peer)
}

func (r endpointReceiver) OnError(err error) {
	e := r.e
	e.setConnected(false, 0)
	e.count("errors", 1)
	e.recv.OnError(err)

	if e.method != api.MethodPipe {
		return
	}
	e.mu.Lock()
	t, w := e.transport, e.worker
	e.mu.Unlock()
	if t != nil && w != nil {
		w.PostTask(func() { e.recreate(t) })
	}
}
