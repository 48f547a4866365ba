//go:build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// epoll(7) reactor with an eventfd(2) for cross-goroutine wakeup.

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

type epollReactor struct {
	epfd   int
	wakefd int

	mu        sync.RWMutex
	callbacks map[int32]FDCallback

	events    [maxEvents]unix.EpollEvent
	closeOnce sync.Once
}

// New creates an epoll reactor.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}
	return &epollReactor{
		epfd:      epfd,
		wakefd:    wakefd,
		callbacks: make(map[int32]FDCallback),
	}, nil
}

func toEpoll(events FDEventType) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (r *epollReactor) Register(fd uintptr, events FDEventType, cb FDCallback) error {
	if cb == nil {
		return errors.New("reactor: nil callback")
	}
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	r.mu.Lock()
	r.callbacks[int32(fd)] = cb
	r.mu.Unlock()
	return nil
}

func (r *epollReactor) Modify(fd uintptr, events FDEventType) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(fd), &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

func (r *epollReactor) Unregister(fd uintptr) error {
	r.mu.Lock()
	delete(r.callbacks, int32(fd))
	r.mu.Unlock()
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

func (r *epollReactor) Poll(timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	n, err := unix.EpollWait(r.epfd, r.events[:], ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		ev := r.events[i]
		if int(ev.Fd) == r.wakefd {
			r.drainWake()
			continue
		}
		r.mu.RLock()
		cb, ok := r.callbacks[ev.Fd]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		var kind FDEventType
		if ev.Events&unix.EPOLLIN != 0 {
			kind |= EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			kind |= EventWrite
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			kind |= EventError
		}
		dispatch(cb, uintptr(ev.Fd), kind)
		dispatched++
	}
	return dispatched, nil
}

func dispatch(cb FDCallback, fd uintptr, kind FDEventType) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[reactor] callback for fd %d panicked: %v", fd, p)
		}
	}()
	cb(fd, kind)
}

func (r *epollReactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (r *epollReactor) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(r.wakefd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (r *epollReactor) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		clear(r.callbacks)
		r.mu.Unlock()
		err = errors.Join(unix.Close(r.wakefd), unix.Close(r.epfd))
	})
	return err
}
