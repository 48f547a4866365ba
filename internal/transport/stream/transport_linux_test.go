//go:build linux

package stream_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/transport/stream"
	"github.com/momentics/hioload-ipc/protocol"
	"github.com/momentics/hioload-ipc/reactor"
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

func (r *recorder) counts() (msgs, peers, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs), len(r.peers), len(r.errs)
}

type side struct {
	tr  *stream.Transport
	r   reactor.Reactor
	rec *recorder
}

func channelName(t *testing.T) string {
	base := strings.NewReplacer("/", "-", " ", "_").Replace(t.Name())
	return fmt.Sprintf("test-%s-%d", base, time.Now().UnixNano())
}

func newSide(t *testing.T, name string, pid uint32) *side {
	t.Helper()
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor: %v", err)
	}
	cfg := stream.DefaultConfig(name)
	cfg.ProcessID = pid
	cfg.MaxFrameSize = 64 << 10
	rec := &recorder{}
	tr := stream.New(cfg, rec, r, nil, nil)
	if err := tr.Connect(); err != nil {
		r.Close()
		t.Fatalf("Connect(%d): %v", pid, err)
	}
	t.Cleanup(func() {
		tr.Close()
		r.Close()
	})
	return &side{tr: tr, r: r, rec: rec}
}

// pollUntil drives every reactor until cond holds or the deadline passes.
func pollUntil(t *testing.T, cond func() bool, sides ...*side) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		for _, s := range sides {
			s.r.Poll(5 * time.Millisecond)
		}
	}
}

// text builds a frame stamped with the sender's process id.
func text(from uint32, s string) *protocol.Message {
	m := protocol.New(int32(from), 7, protocol.PriorityNormal)
	m.WriteString(s)
	return m
}

func TestStreamHandshake(t *testing.T) {
	name := channelName(t)
	a := newSide(t, name, 101)
	if !a.tr.Listening() {
		t.Fatal("first side is not listening")
	}
	b := newSide(t, name, 102)
	if b.tr.Listening() {
		t.Fatal("second side listens instead of dialing")
	}

	pollUntil(t, func() bool {
		return a.tr.State() == api.StateConnected && b.tr.State() == api.StateConnected
	}, a, b)
	if a.tr.PeerID() != 102 || b.tr.PeerID() != 101 {
		t.Errorf("peers = %d/%d", a.tr.PeerID(), b.tr.PeerID())
	}
}

func TestStreamOrderedDelivery(t *testing.T) {
	name := channelName(t)
	a := newSide(t, name, 201)
	b := newSide(t, name, 202)
	pollUntil(t, func() bool { return a.tr.State() == api.StateConnected && b.tr.State() == api.StateConnected }, a, b)

	const k = 1000
	for i := 0; i < k; i++ {
		if err := b.tr.Send(text(b.tr.ProcessID(), fmt.Sprintf("n%04d", i))); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	pollUntil(t, func() bool { n, _, _ := a.rec.counts(); return n == k }, a, b)

	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	for i, s := range a.rec.msgs {
		if want := fmt.Sprintf("n%04d", i); s != want {
			t.Fatalf("message %d = %q, want %q", i, s, want)
		}
	}
}

func TestStreamForeignRoutingNotDelivered(t *testing.T) {
	name := channelName(t)
	a := newSide(t, name, 251)
	b := newSide(t, name, 252)
	pollUntil(t, func() bool { return a.tr.State() == api.StateConnected && b.tr.State() == api.StateConnected }, a, b)

	b.tr.Send(text(1, "stray"))
	b.tr.Send(text(b.tr.ProcessID(), "from peer"))
	pollUntil(t, func() bool { n, _, _ := a.rec.counts(); return n > 0 }, a, b)
	for i := 0; i < 5; i++ {
		a.r.Poll(5 * time.Millisecond)
	}

	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	if len(a.rec.msgs) != 1 || a.rec.msgs[0] != "from peer" {
		t.Fatalf("received %v, want only the peer's frame", a.rec.msgs)
	}
}

func TestStreamOversizeRejected(t *testing.T) {
	name := channelName(t)
	a := newSide(t, name, 301)
	b := newSide(t, name, 302)
	pollUntil(t, func() bool { return b.tr.State() == api.StateConnected }, a, b)

	m := protocol.New(302, 1, protocol.PriorityNormal)
	m.WriteBytes(make([]byte, 64<<10))
	if err := b.tr.Send(m); !api.IsKind(err, api.KindCapacityExceeded) {
		t.Fatalf("Send oversize = %v", err)
	}
}

func TestStreamCloseNotifiesPeer(t *testing.T) {
	name := channelName(t)
	a := newSide(t, name, 401)
	b := newSide(t, name, 402)
	pollUntil(t, func() bool { return a.tr.State() == api.StateConnected && b.tr.State() == api.StateConnected }, a, b)

	b.tr.Close()
	pollUntil(t, func() bool { _, _, e := a.rec.counts(); return e > 0 }, a)
	if a.tr.State() != api.StateError {
		t.Errorf("state after peer close = %s", a.tr.State())
	}
	a.rec.mu.Lock()
	err := a.rec.errs[0]
	a.rec.mu.Unlock()
	if !api.IsKind(err, api.KindPeerLost) {
		t.Errorf("error = %v", err)
	}
	if err := a.tr.Send(text(a.tr.ProcessID(), "late")); !errors.Is(err, api.ErrNotConnected) {
		t.Errorf("Send after loss = %v", err)
	}
}

func TestStreamMalformedFrameDropsConnection(t *testing.T) {
	name := channelName(t)
	a := newSide(t, name, 501)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: stream.SocketName(name)}); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := unix.Write(fd, make([]byte, 32)); err != nil {
		t.Fatal(err)
	}

	pollUntil(t, func() bool { _, _, e := a.rec.counts(); return e > 0 }, a)
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	if !api.IsKind(a.rec.errs[0], api.KindProtocolViolation) {
		t.Errorf("error = %v", a.rec.errs[0])
	}
}
