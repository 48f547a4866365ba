//go:build unix

package shm_test

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/transport/shm"
	"github.com/momentics/hioload-ipc/protocol"
)

type recorder struct {
	mu    sync.Mutex
	msgs  []string
	peers []uint32
	errs  []error
}

func (r *recorder) OnMessageReceived(v protocol.View) bool {
	s, err := v.Reader().ReadString()
	if err != nil {
		return false
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, s)
	r.mu.Unlock()
	return true
}

func (r *recorder) OnConnected(peer uint32) {
	r.mu.Lock()
	r.peers = append(r.peers, peer)
	r.mu.Unlock()
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) snapshot() (msgs []string, peers []uint32, errs []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...), append([]uint32(nil), r.peers...), append([]error(nil), r.errs...)
}

func channelName(t *testing.T) string {
	t.Helper()
	base := strings.NewReplacer("/", "-", " ", "_").Replace(t.Name())
	name := fmt.Sprintf("test-%s-%d", base, time.Now().UnixNano())
	shm.RemoveRegion(name)
	t.Cleanup(func() { shm.RemoveRegion(name) })
	return name
}

func newTransport(t *testing.T, name string, pid uint32, mapSize int) (*shm.Transport, *recorder) {
	t.Helper()
	cfg := shm.DefaultConfig(name)
	cfg.ProcessID = pid
	cfg.MapSize = mapSize
	rec := &recorder{}
	tr := shm.New(cfg, rec)
	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect(%d): %v", pid, err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, rec
}

// pump runs write and read passes on each transport, as their workers
// would, for the given number of rounds.
func pump(rounds int, ts ...*shm.Transport) {
	for i := 0; i < rounds; i++ {
		for _, tr := range ts {
			tr.OnProcessWrite()
			tr.OnProcessRead()
		}
	}
}

// textMessage builds a frame stamped with the sender's process id, which
// is the routing a receiver accepts from its peer.
func textMessage(from uint32, s string) *protocol.Message {
	m := protocol.New(int32(from), 100, protocol.PriorityNormal)
	m.WriteString(s)
	return m
}

func TestHandshakeConnectsBothSides(t *testing.T) {
	name := channelName(t)
	a, ra := newTransport(t, name, 1001, 64<<10)
	b, rb := newTransport(t, name, 1002, 64<<10)

	pump(4, a, b)

	if a.State() != api.StateConnected || b.State() != api.StateConnected {
		t.Fatalf("states = %s/%s", a.State(), b.State())
	}
	if a.PeerID() != 1002 || b.PeerID() != 1001 {
		t.Errorf("peer ids = %d/%d", a.PeerID(), b.PeerID())
	}
	_, pa, _ := ra.snapshot()
	_, pb, _ := rb.snapshot()
	if len(pa) != 1 || len(pb) != 1 {
		t.Errorf("OnConnected calls = %d/%d, want 1/1", len(pa), len(pb))
	}
}

func TestSameProcessIDNeverConnects(t *testing.T) {
	name := channelName(t)
	a, _ := newTransport(t, name, 2000, 64<<10)
	b, _ := newTransport(t, name, 2000, 64<<10)
	pump(6, a, b)
	if a.State() == api.StateConnected || b.State() == api.StateConnected {
		t.Fatal("transports with the same id connected to each other")
	}
}

func TestMessagesArriveInOrder(t *testing.T) {
	name := channelName(t)
	a, _ := newTransport(t, name, 3001, 64<<10)
	b, rb := newTransport(t, name, 3002, 64<<10)
	pump(4, a, b)

	const k = 200
	for i := 0; i < k; i++ {
		if err := a.Send(textMessage(a.ProcessID(), fmt.Sprintf("msg-%03d", i))); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	pump(10, a, b)

	msgs, _, _ := rb.snapshot()
	if len(msgs) != k {
		t.Fatalf("received %d messages, want %d", len(msgs), k)
	}
	for i, s := range msgs {
		if want := fmt.Sprintf("msg-%03d", i); s != want {
			t.Fatalf("message %d = %q, want %q", i, s, want)
		}
	}
}

func TestBackpressureDefersWithoutDropping(t *testing.T) {
	name := channelName(t)
	a, _ := newTransport(t, name, 4001, 2048)
	b, rb := newTransport(t, name, 4002, 2048)
	pump(4, a, b)

	// Each frame is 16+4+100 bytes; a 1016-byte zone holds 8.
	payload := strings.Repeat("x", 100)
	const k = 30
	for i := 0; i < k; i++ {
		if err := a.Send(textMessage(a.ProcessID(), payload)); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	a.OnProcessWrite()
	a.OnProcessWrite()
	if sent, _, _ := a.Stats(); sent == 0 || sent >= k {
		t.Fatalf("first passes wrote %d frames", sent)
	}

	pump(20, a, b)
	msgs, _, _ := rb.snapshot()
	if len(msgs) != k {
		t.Fatalf("received %d of %d", len(msgs), k)
	}
	if _, _, dropped := a.Stats(); dropped != 0 {
		t.Errorf("dropped %d messages while connected", dropped)
	}
}

func TestOversizeMessageRejected(t *testing.T) {
	name := channelName(t)
	a, _ := newTransport(t, name, 5001, 2048)
	b, _ := newTransport(t, name, 5002, 2048)
	pump(4, a, b)

	m := protocol.New(int32(a.ProcessID()), 1, protocol.PriorityNormal)
	m.WriteBytes(make([]byte, a.MaxFrameSize()))
	err := a.Send(m)
	if !api.IsKind(err, api.KindCapacityExceeded) || !errors.Is(err, api.ErrMessageTooLarge) {
		t.Fatalf("Send oversize = %v", err)
	}
	if !m.Released() {
		t.Error("rejected message was not released")
	}
}

func TestSendBeforeConnectRejected(t *testing.T) {
	a, _ := newTransport(t, channelName(t), 6001, 4096)
	if err := a.Send(textMessage(a.ProcessID(), "early")); !errors.Is(err, api.ErrNotConnected) {
		t.Fatalf("Send before handshake = %v", err)
	}
}

func TestCloseNotifiesPeer(t *testing.T) {
	name := channelName(t)
	a, _ := newTransport(t, name, 7001, 64<<10)
	b, rb := newTransport(t, name, 7002, 64<<10)
	pump(4, a, b)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.State() != api.StateClosed {
		t.Errorf("closed state = %s", a.State())
	}
	pump(2, b)

	_, _, errs := rb.snapshot()
	if len(errs) != 1 || !api.IsKind(errs[0], api.KindPeerLost) {
		t.Fatalf("peer errors = %v", errs)
	}
	if b.State() != api.StateAwaitingPeerHello || b.PeerID() != 0 {
		t.Errorf("after goodbye state=%s peer=%d", b.State(), b.PeerID())
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestSurvivorAcceptsNewPeer(t *testing.T) {
	for _, closeCreator := range []bool{true, false} {
		t.Run(fmt.Sprintf("closeCreator=%v", closeCreator), func(t *testing.T) {
			name := channelName(t)
			a, _ := newTransport(t, name, 8001, 64<<10)
			b, _ := newTransport(t, name, 8002, 64<<10)
			pump(4, a, b)

			leaving, survivor := a, b
			if !closeCreator {
				leaving, survivor = b, a
			}
			leaving.Close()
			pump(3, survivor)

			c, rc := newTransport(t, name, 8003, 64<<10)
			pump(4, survivor, c)
			if survivor.PeerID() != 8003 || c.PeerID() != survivor.ProcessID() {
				t.Fatalf("peers = %d/%d", survivor.PeerID(), c.PeerID())
			}
			survivor.Send(textMessage(survivor.ProcessID(), "welcome"))
			pump(3, survivor, c)
			if msgs, _, _ := rc.snapshot(); len(msgs) != 1 || msgs[0] != "welcome" {
				t.Errorf("new peer received %v", msgs)
			}
		})
	}
}

func TestHandshakeWatchdogFiresOnce(t *testing.T) {
	cfg := shm.DefaultConfig(channelName(t))
	cfg.ProcessID = 9001
	cfg.MapSize = 4096
	cfg.HandshakeTimeout = 10 * time.Millisecond
	rec := &recorder{}
	a := shm.New(cfg, rec)
	if err := a.Connect(); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	time.Sleep(20 * time.Millisecond)
	pump(3, a)
	_, _, errs := rec.snapshot()
	if len(errs) != 1 || !errors.Is(errs[0], api.ErrHandshakeTimeout) {
		t.Fatalf("errors = %v", errs)
	}
}

func TestReadBackoffGrowsAndResets(t *testing.T) {
	name := channelName(t)
	a, _ := newTransport(t, name, 9101, 64<<10)
	b, _ := newTransport(t, name, 9102, 64<<10)
	pump(4, a, b)

	prev := time.Duration(0)
	for i := 0; i < 12; i++ {
		d := b.OnProcessRead()
		if d < prev {
			t.Fatalf("idle interval shrank: %v -> %v", prev, d)
		}
		prev = d
	}
	if r, _ := b.PollIntervals(); r <= pollFloor() {
		t.Fatalf("idle read interval stayed at %v", r)
	}

	a.Send(textMessage(a.ProcessID(), "wake"))
	a.OnProcessWrite()
	if d := b.OnProcessRead(); d != pollFloor() {
		t.Errorf("interval after a read = %v, want floor", d)
	}
}

func pollFloor() time.Duration {
	return shm.DefaultConfig("x").PollFloor
}

func TestWriteBackoffGrowsAndResets(t *testing.T) {
	name := channelName(t)
	a, _ := newTransport(t, name, 9201, 64<<10)
	b, _ := newTransport(t, name, 9202, 64<<10)
	pump(4, a, b)

	prev := time.Duration(0)
	for i := 0; i < 12; i++ {
		d := a.OnProcessWrite()
		if d < prev {
			t.Fatalf("idle interval shrank: %v -> %v", prev, d)
		}
		prev = d
	}
	if _, w := a.PollIntervals(); w <= pollFloor() {
		t.Fatalf("idle write interval stayed at %v", w)
	}

	a.Send(textMessage(a.ProcessID(), "flush"))
	if d := a.OnProcessWrite(); d != pollFloor() {
		t.Errorf("interval after a write = %v, want floor", d)
	}
	if _, w := a.PollIntervals(); w != pollFloor() {
		t.Errorf("write interval after a write = %v, want floor", w)
	}
}

func TestForeignRoutingNotDelivered(t *testing.T) {
	name := channelName(t)
	a, _ := newTransport(t, name, 12001, 64<<10)
	b, rb := newTransport(t, name, 12002, 64<<10)
	pump(4, a, b)

	a.Send(textMessage(1, "stray"))
	a.Send(textMessage(a.ProcessID(), "from peer"))
	pump(3, a, b)

	msgs, _, _ := rb.snapshot()
	if len(msgs) != 1 || msgs[0] != "from peer" {
		t.Fatalf("received %v, want only the peer's frame", msgs)
	}
	if _, received, _ := b.Stats(); received != 1 {
		t.Errorf("delivered %d frames", received)
	}
}

func TestBothClosedWhileConnectedThenReconnect(t *testing.T) {
	name := channelName(t)
	a, _ := newTransport(t, name, 13001, 64<<10)
	b, _ := newTransport(t, name, 13002, 64<<10)
	pump(4, a, b)
	if a.State() != api.StateConnected || b.State() != api.StateConnected {
		t.Fatalf("states = %s/%s", a.State(), b.State())
	}

	a.Close()
	b.Close()
	if _, err := os.Stat(shm.RegionPath(name)); !os.IsNotExist(err) {
		t.Fatalf("region file after both closed: %v", err)
	}

	c, _ := newTransport(t, name, 13003, 64<<10)
	d, rd := newTransport(t, name, 13004, 64<<10)
	pump(4, c, d)
	if c.State() != api.StateConnected || d.State() != api.StateConnected {
		t.Fatalf("new session states = %s/%s", c.State(), d.State())
	}
	c.Send(textMessage(c.ProcessID(), "second session"))
	pump(3, c, d)
	if msgs, _, _ := rd.snapshot(); len(msgs) != 1 || msgs[0] != "second session" {
		t.Errorf("second session received %v", msgs)
	}
}

func TestThirdEndpointRefused(t *testing.T) {
	name := channelName(t)
	a, _ := newTransport(t, name, 14001, 64<<10)
	b, _ := newTransport(t, name, 14002, 64<<10)
	pump(4, a, b)

	cfg := shm.DefaultConfig(name)
	cfg.ProcessID = 14003
	cfg.MapSize = 64 << 10
	c := shm.New(cfg, &recorder{})
	err := c.Connect()
	if !api.IsKind(err, api.KindSetupFailure) || !errors.Is(err, api.ErrChannelBusy) {
		t.Fatalf("third Connect = %v", err)
	}
	pump(2, a, b)
	if a.PeerID() != 14002 || b.PeerID() != 14001 {
		t.Errorf("existing pair disturbed: peers = %d/%d", a.PeerID(), b.PeerID())
	}
}

func TestReplacedPeerReported(t *testing.T) {
	name := channelName(t)
	a, ra := newTransport(t, name, 15001, 64<<10)
	b, _ := newTransport(t, name, 15002, 64<<10)
	pump(4, a, b)

	// b's process dies without a GOODBYE; c takes over its side
	shm.OrphanSide(b)
	c, _ := newTransport(t, name, 15003, 64<<10)
	pump(4, a, c)

	if a.PeerID() != 15003 || c.PeerID() != 15001 {
		t.Fatalf("peers = %d/%d", a.PeerID(), c.PeerID())
	}
	_, peers, errs := ra.snapshot()
	if len(errs) != 1 || !api.IsKind(errs[0], api.KindPeerLost) {
		t.Fatalf("errors = %v", errs)
	}
	var perr *api.Error
	if !errors.As(errs[0], &perr) || perr.Context["peer"] != uint32(15002) {
		t.Errorf("lost peer context = %v", errs[0])
	}
	if len(peers) != 2 || peers[1] != 15003 {
		t.Errorf("OnConnected calls = %v", peers)
	}
}
