//go:build linux

// File: internal/transport/stream/transport_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package stream

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/pool"
	"github.com/momentics/hioload-ipc/protocol"
	"github.com/momentics/hioload-ipc/reactor"
)

// Transport is a one-to-one frame channel over a Unix stream socket.
// Every method except State, PeerID and the stats accessors is expected
// to run on the worker goroutine that also polls the reactor; Close may
// additionally be called from the goroutine stopping that worker.
type Transport struct {
	cfg     Config
	recv    api.Receiver
	reactor reactor.Reactor
	idle    *ReactorIdle
	bufs    *pool.BytePool

	mu       sync.Mutex
	listenFd int
	connFd   int
	inbuf    []byte
	out      *queue.Queue
	outOff   int
	wantOut  bool
	closed   bool
	deadline time.Time
	fired    bool

	state atomix.Uint32
	peer  atomix.Uint32

	sent     atomix.Uint64
	received atomix.Uint64
}

// New creates a disconnected transport that registers its descriptors
// with r. idle may be nil; when set, the handshake watchdog runs on its
// tick.
func New(cfg Config, recv api.Receiver, r reactor.Reactor, idle *ReactorIdle, bufs *pool.BytePool) *Transport {
	def := DefaultConfig(cfg.Name)
	if cfg.ProcessID == 0 {
		cfg.ProcessID = def.ProcessID
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if bufs == nil {
		bufs = pool.NewBytePool()
	}
	return &Transport{
		cfg:      cfg,
		recv:     recv,
		reactor:  r,
		idle:     idle,
		bufs:     bufs,
		listenFd: -1,
		connFd:   -1,
		out:      queue.New(),
	}
}

func (t *Transport) State() api.State  { return api.State(t.state.Load()) }
func (t *Transport) PeerID() uint32    { return t.peer.Load() }
func (t *Transport) ProcessID() uint32 { return t.cfg.ProcessID }
func (t *Transport) MaxFrameSize() int { return t.cfg.MaxFrameSize }

// Stats reports frames written and frames delivered.
func (t *Transport) Stats() (sent, received uint64) {
	return t.sent.Load(), t.received.Load()
}

// Listening reports whether this side is waiting for the peer to dial in.
func (t *Transport) Listening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listenFd >= 0
}

// Connect dials the channel, or listens for the peer if nobody is there.
func (t *Transport) Connect() error {
	if t.reactor == nil {
		return api.NewError(api.KindSetupFailure, "stream connect", api.ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() != api.StateDisconnected {
		return api.NewError(api.KindSetupFailure, "stream connect",
			fmt.Errorf("transport is %s", t.State()))
	}
	addr := &unix.SockaddrUnix{Name: SocketName(t.cfg.Name)}

	// Two tries cover losing the bind race to a peer that appeared
	// between our failed dial and our bind.
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var fd int
		fd, err = dial(addr)
		if err == nil {
			err = t.attach(fd)
			break
		}
		if !errors.Is(err, unix.ECONNREFUSED) && !errors.Is(err, unix.ENOENT) {
			break
		}
		err = t.listen(addr)
		if !errors.Is(err, unix.EADDRINUSE) {
			break
		}
	}
	if err != nil {
		return api.NewError(api.KindSetupFailure, "stream connect", err).
			WithContext("name", t.cfg.Name)
	}
	t.state.Store(uint32(api.StateAwaitingPeerHello))
	t.deadline = time.Now().Add(t.cfg.HandshakeTimeout)
	if t.idle != nil {
		t.idle.SetTick(t.checkHandshake)
	}
	return nil
}

func dial(addr *unix.SockaddrUnix) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return fd, nil
}

func (t *Transport) listen(addr *unix.SockaddrUnix) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}
	if err := t.reactor.Register(uintptr(fd), reactor.EventRead, t.onAcceptable); err != nil {
		unix.Close(fd)
		return err
	}
	t.listenFd = fd
	log.Printf("[stream] %s: listening on %s", t.cfg.Name, addr.Name)
	return nil
}

// attach adopts a connected socket and queues our HELLO. Called with mu held.
func (t *Transport) attach(fd int) error {
	if err := t.reactor.Register(uintptr(fd), reactor.EventRead, t.onReady); err != nil {
		unix.Close(fd)
		return err
	}
	t.connFd = fd
	hello := protocol.New(protocol.RoutingNone, protocol.TypeHello, protocol.PriorityHigh)
	hello.WriteUint32(t.cfg.ProcessID)
	t.out.Add(hello)
	return t.flush()
}

func (t *Transport) onAcceptable(fd uintptr, _ reactor.FDEventType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || int(fd) != t.listenFd {
		return
	}
	nfd, _, err := unix.Accept4(t.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			log.Printf("[stream] %s: accept: %v", t.cfg.Name, err)
		}
		return
	}
	// one peer per channel
	t.closeListener()
	if err := t.attach(nfd); err != nil {
		t.lostLocked(api.NewError(api.KindPeerLost, "stream accept", err))
	}
}

func (t *Transport) closeListener() {
	if t.listenFd < 0 {
		return
	}
	t.reactor.Unregister(uintptr(t.listenFd))
	unix.Close(t.listenFd)
	t.listenFd = -1
}

func (t *Transport) onReady(fd uintptr, ev reactor.FDEventType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || int(fd) != t.connFd {
		return
	}
	if ev&reactor.EventWrite != 0 {
		if err := t.flush(); err != nil {
			t.lostLocked(api.NewError(api.KindPeerLost, "stream write", err))
			return
		}
	}
	if ev&(reactor.EventRead|reactor.EventError) != 0 {
		t.readAll()
	}
}

// readAll drains the socket into inbuf and dispatches complete frames.
func (t *Transport) readAll() {
	for t.connFd >= 0 {
		buf := t.bufs.Get(t.cfg.ReadBufferSize)
		n, err := unix.Read(t.connFd, buf)
		if n > 0 {
			t.inbuf = append(t.inbuf, buf[:n]...)
		}
		t.bufs.Put(buf)
		switch {
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
			t.dispatch()
			return
		case err != nil:
			t.dispatch()
			t.lostLocked(api.NewError(api.KindPeerLost, "stream read", err))
			return
		case n == 0:
			t.dispatch()
			t.lostLocked(api.NewError(api.KindPeerLost, "stream read", api.ErrPeerGone))
			return
		}
		if !t.dispatch() {
			return
		}
	}
}

// dispatch carves complete frames out of inbuf. It returns false when
// the connection was dropped for a malformed frame.
func (t *Transport) dispatch() bool {
	off := 0
	for {
		rest := t.inbuf[off:]
		if len(rest) < protocol.HeaderSize {
			break
		}
		h := protocol.DecodeHeader(rest)
		if h.IsZero() || int64(h.PayloadSize)+protocol.HeaderSize > int64(t.cfg.MaxFrameSize) {
			t.inbuf = t.inbuf[:0]
			t.lostLocked(api.NewError(api.KindProtocolViolation, "stream read", api.ErrProtocolViolation).
				WithContext("header", h))
			return false
		}
		end, ok := protocol.FindNext(rest)
		if !ok {
			break
		}
		v, _ := protocol.NewView(rest[:end])
		t.handle(v)
		off += end
		if t.connFd < 0 {
			return false
		}
	}
	n := copy(t.inbuf, t.inbuf[off:])
	t.inbuf = t.inbuf[:n]
	return true
}

func (t *Transport) handle(v protocol.View) {
	h := v.Header()
	switch {
	case h.Routing == protocol.RoutingNone && h.Type == protocol.TypeHello:
		pid, err := v.Reader().ReadUint32()
		if err != nil || pid == t.cfg.ProcessID || pid == t.peer.Load() {
			return
		}
		t.peer.Store(pid)
		t.state.Store(uint32(api.StateConnected))
		log.Printf("[stream] %s: connected to peer %d", t.cfg.Name, pid)
		t.safeCall(func() { t.recv.OnConnected(pid) })
	case h.Routing == protocol.RoutingNone && h.Type == protocol.TypeGoodbye:
		t.lostLocked(api.NewError(api.KindPeerLost, "stream read", api.ErrPeerGone).
			WithContext("peer", t.peer.Load()))
	default:
		if t.State() == api.StateConnected && h.Routing == int32(t.peer.Load()) {
			t.received.Add(1)
			t.safeCall(func() { t.recv.OnMessageReceived(v) })
		}
	}
}

// Send queues m and writes as much as the socket accepts.
func (t *Transport) Send(m *protocol.Message) error {
	if m == nil || m.Released() {
		return api.ErrInvalidArgument
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.State() != api.StateConnected {
		m.Release()
		return api.ErrNotConnected
	}
	if m.Size() > t.cfg.MaxFrameSize {
		size := m.Size()
		m.Release()
		return api.NewError(api.KindCapacityExceeded, "stream send", api.ErrMessageTooLarge).
			WithContext("size", size).WithContext("max", t.cfg.MaxFrameSize)
	}
	t.out.Add(m)
	if err := t.flush(); err != nil {
		t.lostLocked(api.NewError(api.KindPeerLost, "stream write", err))
		return err
	}
	return nil
}

// flush writes queued frames until the socket would block, then arms
// write readiness. Called with mu held.
func (t *Transport) flush() error {
	for t.out.Length() > 0 && t.connFd >= 0 {
		m := t.out.Peek().(*protocol.Message)
		b := m.Bytes()[t.outOff:]
		n, err := unix.Write(t.connFd, b)
		if n > 0 {
			t.outOff += n
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return t.armWrite(true)
			}
			return err
		}
		if t.outOff == len(m.Bytes()) {
			t.out.Remove()
			if m.Type() != protocol.TypeHello || m.Routing() != protocol.RoutingNone {
				t.sent.Add(1)
			}
			m.Release()
			t.outOff = 0
		}
	}
	return t.armWrite(false)
}

func (t *Transport) armWrite(on bool) error {
	if on == t.wantOut || t.connFd < 0 {
		return nil
	}
	ev := reactor.EventRead
	if on {
		ev |= reactor.EventWrite
	}
	if err := t.reactor.Modify(uintptr(t.connFd), ev); err != nil {
		return err
	}
	t.wantOut = on
	return nil
}

// lostLocked drops the connection and reports err once. Called with mu held.
func (t *Transport) lostLocked(err error) {
	if t.closed || t.State() == api.StateError {
		return
	}
	t.state.Store(uint32(api.StateError))
	t.peer.Store(0)
	t.teardown()
	log.Printf("[stream] %s: %v", t.cfg.Name, err)
	t.safeCall(func() { t.recv.OnError(err) })
}

// teardown releases descriptors and queued frames. Called with mu held.
func (t *Transport) teardown() {
	t.closeListener()
	if t.connFd >= 0 {
		t.reactor.Unregister(uintptr(t.connFd))
		unix.Close(t.connFd)
		t.connFd = -1
	}
	for t.out.Length() > 0 {
		t.out.Remove().(*protocol.Message).Release()
	}
	t.outOff = 0
	t.wantOut = false
	t.inbuf = nil
}

func (t *Transport) checkHandshake() {
	if t.cfg.HandshakeTimeout <= 0 || t.State() != api.StateAwaitingPeerHello {
		return
	}
	t.mu.Lock()
	if t.fired || time.Now().Before(t.deadline) {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()
	err := api.NewError(api.KindPeerLost, "stream handshake", api.ErrHandshakeTimeout).
		WithContext("timeout", t.cfg.HandshakeTimeout)
	t.safeCall(func() { t.recv.OnError(err) })
}

func (t *Transport) safeCall(fn func()) {
	if t.recv == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[stream] %s: receiver panicked: %v", t.cfg.Name, r)
		}
	}()
	fn()
}

// OnQuit closes the transport when its worker stops.
func (t *Transport) OnQuit() {
	if err := t.Close(); err != nil {
		log.Printf("[stream] %s: close on quit: %v", t.cfg.Name, err)
	}
}

// Close sends a best-effort GOODBYE and releases the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.connFd >= 0 && t.State() == api.StateConnected {
		var frame [protocol.HeaderSize]byte
		protocol.Header{Routing: protocol.RoutingNone, Type: protocol.TypeGoodbye}.Encode(frame[:])
		if t.outOff == 0 {
			unix.Write(t.connFd, frame[:])
		}
	}
	t.state.Store(uint32(api.StateClosed))
	t.peer.Store(0)
	t.teardown()
	return nil
}
