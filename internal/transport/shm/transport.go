// File: internal/transport/shm/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/eapache/queue"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/concurrency"
	"github.com/momentics/hioload-ipc/protocol"
)

// Config holds the shared-memory transport settings.
type Config struct {
	Name      string
	ProcessID uint32
	MapSize   int

	PollFloor   time.Duration
	PollCeiling time.Duration

	LockTimeout      time.Duration
	GoodbyeTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig returns settings for the named channel.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		ProcessID:        uint32(os.Getpid()),
		MapSize:          8 << 20,
		PollFloor:        concurrency.DefaultPollFloor,
		PollCeiling:      concurrency.DefaultPollCeiling,
		LockTimeout:      50 * time.Millisecond,
		GoodbyeTimeout:   10 * time.Millisecond,
		HandshakeTimeout: 0,
	}
}

// Transport exchanges frames with one peer through a shared Region. It
// is driven by a concurrency.SharedWorker: OnProcessRead runs on the
// reader unit, OnProcessWrite and posted tasks on the writer unit.
type Transport struct {
	cfg  Config
	recv api.Receiver

	// lifeMu is held shared by every cycle that touches the mapping and
	// exclusively by Close while unmapping.
	lifeMu sync.RWMutex
	region *Region

	// zmu guards the zone pointers. The orientation follows the region
	// side claimed at Connect and never changes.
	zmu     sync.Mutex
	wzone   *Zone
	rzone   *Zone
	creator bool

	state atomix.Uint32
	peer  atomix.Uint32

	qmu   sync.Mutex
	queue *queue.Queue

	// Writer-private.
	pending   []*protocol.Message
	helloDone uint32
	resetDone uint32

	// Requests from the reader to the writer, compared against the
	// writer's done counters.
	helloReq atomix.Uint32
	resetReq atomix.Uint32

	// Handshake watchdog: start of the current wait in unix nanos, and
	// the wait it already fired for (reader-private).
	awaitSince atomix.Int64
	firedFor   int64

	readBackoff  *concurrency.Backoff
	writeBackoff *concurrency.Backoff

	sent     atomix.Uint64
	received atomix.Uint64
	dropped  atomix.Uint64

	closeOnce sync.Once
}

// New creates a disconnected transport. recv receives callbacks on the
// worker goroutines.
func New(cfg Config, recv api.Receiver) *Transport {
	def := DefaultConfig(cfg.Name)
	if cfg.ProcessID == 0 {
		cfg.ProcessID = def.ProcessID
	}
	if cfg.MapSize <= 0 {
		cfg.MapSize = def.MapSize
	}
	if cfg.PollFloor <= 0 {
		cfg.PollFloor = def.PollFloor
	}
	if cfg.PollCeiling <= 0 {
		cfg.PollCeiling = def.PollCeiling
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.GoodbyeTimeout <= 0 {
		cfg.GoodbyeTimeout = def.GoodbyeTimeout
	}
	return &Transport{
		cfg:          cfg,
		recv:         recv,
		queue:        queue.New(),
		readBackoff:  concurrency.NewBackoff(cfg.PollFloor, cfg.PollCeiling),
		writeBackoff: concurrency.NewBackoff(cfg.PollFloor, cfg.PollCeiling),
	}
}

func (t *Transport) State() api.State { return api.State(t.state.Load()) }
func (t *Transport) PeerID() uint32   { return t.peer.Load() }
func (t *Transport) ProcessID() uint32 { return t.cfg.ProcessID }

// MaxFrameSize is the capacity of one zone.
func (t *Transport) MaxFrameSize() int {
	return zoneSize(t.cfg.MapSize) - zoneHeaderSize
}

// PollIntervals reports the current reader and writer backoff.
func (t *Transport) PollIntervals() (read, write time.Duration) {
	return t.readBackoff.Current(), t.writeBackoff.Current()
}

// Stats reports frames written, frames delivered and messages dropped.
func (t *Transport) Stats() (sent, received, dropped uint64) {
	return t.sent.Load(), t.received.Load(), t.dropped.Load()
}

// Connect maps the region and queues our HELLO.
func (t *Transport) Connect() error {
	if t.State() != api.StateDisconnected {
		return api.NewError(api.KindSetupFailure, "shm connect",
			fmt.Errorf("transport is %s", t.State()))
	}
	region, err := OpenRegion(t.cfg.Name, t.cfg.MapSize)
	if err != nil {
		return api.NewError(api.KindSetupFailure, "shm connect", err).
			WithContext("name", t.cfg.Name)
	}
	a, b := region.Zones()

	t.lifeMu.Lock()
	t.region = region
	t.zmu.Lock()
	t.creator = region.Creator()
	if t.creator {
		t.wzone, t.rzone = a, b
	} else {
		t.wzone, t.rzone = b, a
	}
	t.zmu.Unlock()
	t.lifeMu.Unlock()

	t.awaitSince.Store(time.Now().UnixNano())
	t.resetReq.Add(1)
	t.helloReq.Add(1)
	t.state.Store(uint32(api.StateAwaitingPeerHello))
	log.Printf("[shm] %s: mapped %s as %s (pid %d)", t.cfg.Name, region.Path(), side(t.creator), t.cfg.ProcessID)
	return nil
}

func side(a bool) string {
	if a {
		return "side A"
	}
	return "side B"
}

// Send queues m for the writer cycle. Ownership of m passes to the
// transport in every case.
func (t *Transport) Send(m *protocol.Message) error {
	if m == nil || m.Released() {
		return api.ErrInvalidArgument
	}
	if t.State() != api.StateConnected {
		m.Release()
		return api.ErrNotConnected
	}
	if m.Size() > t.MaxFrameSize() {
		size := m.Size()
		m.Release()
		return api.NewError(api.KindCapacityExceeded, "shm send", api.ErrMessageTooLarge).
			WithContext("size", size).WithContext("max", t.MaxFrameSize())
	}
	t.qmu.Lock()
	t.queue.Add(m)
	t.qmu.Unlock()
	return nil
}

func (t *Transport) zones() (w, r *Zone) {
	t.zmu.Lock()
	defer t.zmu.Unlock()
	return t.wzone, t.rzone
}

func (t *Transport) helloFrame() []byte {
	var frame [protocol.HeaderSize + 4]byte
	protocol.Header{
		Routing:     protocol.RoutingNone,
		Type:        protocol.TypeHello,
		PayloadSize: 4,
	}.Encode(frame[:])
	binary.LittleEndian.PutUint32(frame[protocol.HeaderSize:], t.cfg.ProcessID)
	return frame[:]
}

func goodbyeFrame() []byte {
	var frame [protocol.HeaderSize]byte
	protocol.Header{Routing: protocol.RoutingNone, Type: protocol.TypeGoodbye}.Encode(frame[:])
	return frame[:]
}

// OnProcessWrite is one writer pass: flush queued frames into the write
// zone and return the delay before the next pass.
func (t *Transport) OnProcessWrite() time.Duration {
	t.lifeMu.RLock()
	defer t.lifeMu.RUnlock()
	if t.region == nil {
		return t.cfg.PollCeiling
	}

	t.qmu.Lock()
	for t.queue.Length() > 0 {
		t.pending = append(t.pending, t.queue.Remove().(*protocol.Message))
	}
	t.qmu.Unlock()

	resetReq := t.resetReq.Load()
	if resetReq != t.resetDone {
		t.dropPending()
	}
	helloReq := t.helloReq.Load()
	wantHello := helloReq != t.helloDone

	if !wantHello && resetReq == t.resetDone && len(t.pending) == 0 {
		return t.writeBackoff.Idle()
	}

	wzone, _ := t.zones()
	written := 0
	err := wzone.Locked(t.cfg.LockTimeout, func(za *ZoneAccess) {
		if resetReq != t.resetDone {
			za.Reset()
			t.resetDone = resetReq
		}
		if wantHello {
			if !za.Append(t.helloFrame()) {
				return
			}
			t.helloDone = helloReq
			written++
		}
		n := 0
		for ; n < len(t.pending); n++ {
			if !za.Append(t.pending[n].Bytes()) {
				break
			}
			t.pending[n].Release()
			t.pending[n] = nil
		}
		t.pending = t.pending[n:]
		written += n
		t.sent.Add(uint64(n))
	})
	if err != nil || written == 0 {
		return t.writeBackoff.Idle()
	}
	return t.writeBackoff.Reset()
}

func (t *Transport) dropPending() {
	for _, m := range t.pending {
		m.Release()
		t.dropped.Add(1)
	}
	clear(t.pending)
	t.pending = t.pending[:0]
}

func (t *Transport) dropQueued() {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	for t.queue.Length() > 0 {
		t.queue.Remove().(*protocol.Message).Release()
		t.dropped.Add(1)
	}
}

// OnProcessRead is one reader pass: consume every frame in the read zone
// and return the delay before the next pass.
func (t *Transport) OnProcessRead() time.Duration {
	t.lifeMu.RLock()
	defer t.lifeMu.RUnlock()
	if t.region == nil {
		return t.cfg.PollCeiling
	}

	var after []func()
	_, rzone := t.zones()
	processed := 0
	err := rzone.Locked(t.cfg.LockTimeout, func(za *ZoneAccess) {
		processed, after = t.scan(za)
	})
	for _, fn := range after {
		fn()
	}
	if fn := t.checkHandshake(); fn != nil {
		fn()
	}
	if err != nil || processed == 0 {
		return t.readBackoff.Idle()
	}
	return t.readBackoff.Reset()
}

// scan walks the used bytes of a locked read zone. Application frames
// are delivered in place; control frames update the connection and
// queue follow-up callbacks to run once the lock is released.
func (t *Transport) scan(za *ZoneAccess) (int, []func()) {
	var after []func()
	data := za.Data()
	used := za.Used()
	self := int32(t.cfg.ProcessID)
	processed := 0

	off := 0
	for off < used {
		end, ok := protocol.FindNext(data[off:used])
		if !ok {
			break
		}
		frame := data[off : off+end]
		v, _ := protocol.NewView(frame)
		h := v.Header()
		if h.Routing == self {
			break
		}
		switch {
		case h.Routing == protocol.RoutingNone && h.Type == protocol.TypeHello:
			if fn := t.onHello(v); fn != nil {
				after = append(after, fn)
			}
		case h.Routing == protocol.RoutingNone && h.Type == protocol.TypeGoodbye:
			if fn := t.onGoodbye(); fn != nil {
				after = append(after, fn)
			}
		default:
			// frames stamped by anyone but the connected peer are stale
			if t.State() == api.StateConnected && h.Routing == int32(t.peer.Load()) {
				t.deliver(v)
			}
		}
		clear(frame)
		off += end
		processed++
	}
	if off < used {
		log.Printf("[shm] %s: discarding %d unparseable bytes", t.cfg.Name, used-off)
		clear(data[off:used])
	}
	za.SetUsed(0)
	return processed, after
}

func (t *Transport) onHello(v protocol.View) func() {
	pid, err := v.Reader().ReadUint32()
	if err != nil {
		log.Printf("[shm] %s: short HELLO: %v", t.cfg.Name, err)
		return nil
	}
	if pid == t.cfg.ProcessID {
		return nil
	}
	prev := t.peer.Load()
	wasConnected := t.State() == api.StateConnected
	if pid == prev && wasConnected {
		return nil
	}
	t.peer.Store(pid)
	t.state.Store(uint32(api.StateConnected))
	t.helloReq.Add(1)
	if !wasConnected {
		log.Printf("[shm] %s: connected to peer %d", t.cfg.Name, pid)
		return func() { t.safeCall(func() { t.recv.OnConnected(pid) }) }
	}

	// The old peer vanished without a GOODBYE and another process took
	// its side. Anything queued was addressed to the old peer.
	t.resetReq.Add(1)
	log.Printf("[shm] %s: peer %d replaced by %d", t.cfg.Name, prev, pid)
	return func() {
		t.dropQueued()
		err := api.NewError(api.KindPeerLost, "shm read", api.ErrPeerGone).WithContext("peer", prev)
		t.safeCall(func() { t.recv.OnError(err) })
		t.safeCall(func() { t.recv.OnConnected(pid) })
	}
}

func (t *Transport) onGoodbye() func() {
	if t.State() != api.StateConnected {
		return nil
	}
	peer := t.peer.Load()
	t.state.Store(uint32(api.StateAwaitingPeerHello))
	t.peer.Store(0)
	t.awaitSince.Store(time.Now().UnixNano())
	t.resetReq.Add(1)
	t.helloReq.Add(1)
	log.Printf("[shm] %s: peer %d said goodbye", t.cfg.Name, peer)
	return func() {
		t.dropQueued()
		err := api.NewError(api.KindPeerLost, "shm read", api.ErrPeerGone).WithContext("peer", peer)
		t.safeCall(func() { t.recv.OnError(err) })
	}
}

// checkHandshake reports a missing peer once per wait.
func (t *Transport) checkHandshake() func() {
	if t.cfg.HandshakeTimeout <= 0 || t.State() != api.StateAwaitingPeerHello {
		return nil
	}
	since := t.awaitSince.Load()
	if since == t.firedFor || time.Since(time.Unix(0, since)) < t.cfg.HandshakeTimeout {
		return nil
	}
	t.firedFor = since
	err := api.NewError(api.KindPeerLost, "shm handshake", api.ErrHandshakeTimeout).
		WithContext("timeout", t.cfg.HandshakeTimeout)
	return func() { t.safeCall(func() { t.recv.OnError(err) }) }
}

func (t *Transport) deliver(v protocol.View) {
	t.received.Add(1)
	t.safeCall(func() { t.recv.OnMessageReceived(v) })
}

func (t *Transport) safeCall(fn func()) {
	if t.recv == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[shm] %s: receiver panicked: %v", t.cfg.Name, r)
		}
	}()
	fn()
}

// OnQuit closes the transport when its worker stops.
func (t *Transport) OnQuit() {
	if err := t.Close(); err != nil {
		log.Printf("[shm] %s: close on quit: %v", t.cfg.Name, err)
	}
}

// Close writes a best-effort GOODBYE, drops everything still queued and
// detaches from the region, which unlinks the name once both sides left.
// Close must not be called from inside a receiver callback.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		prev := t.State()
		t.state.Store(uint32(api.StateClosed))
		if prev == api.StateDisconnected {
			return
		}

		t.lifeMu.Lock()
		defer t.lifeMu.Unlock()
		if t.region == nil {
			return
		}
		if lerr := t.wzone.Locked(t.cfg.GoodbyeTimeout, func(za *ZoneAccess) {
			if !za.Append(goodbyeFrame()) {
				log.Printf("[shm] %s: no room for GOODBYE", t.cfg.Name)
			}
		}); lerr != nil {
			log.Printf("[shm] %s: GOODBYE skipped: %v", t.cfg.Name, lerr)
		}
		t.dropPending()
		t.dropQueued()
		err = t.region.Close()
		t.region = nil
		t.wzone, t.rzone = nil, nil
		log.Printf("[shm] %s: closed", t.cfg.Name)
	})
	return err
}
