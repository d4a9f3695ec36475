//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller is the BSD-family counterpart to epollPoller. Wakeups use a
// dedicated EVFILT_USER event instead of an eventfd, since that's the
// portable way to self-trigger a kqueue across the BSDs.
type kqueuePoller struct {
	kq     int
	events []unix.Kevent_t
}

const wakeIdent = 0xdeadbeef

func newPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	p := &kqueuePoller{kq: kq, events: make([]unix.Kevent_t, 128)}
	_, err = unix.Kevent(kq, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		unix.Close(kq)
		return nil, err
	}
	return p, nil
}

func (p *kqueuePoller) add(fd int, writable bool) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD},
	}
	if writable {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD})
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) modify(fd int, writable bool) error {
	op := uint16(unix.EV_ADD)
	if !writable {
		op = unix.EV_DELETE
	}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: op},
	}, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *kqueuePoller) remove(fd int) error {
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *kqueuePoller) wait(dst []pollEvent, timeout time.Duration) ([]pollEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}

	byFD := make(map[int]int) // fd -> index into dst
	for i := 0; i < n; i++ {
		ev := p.events[i]
		if ev.Ident == wakeIdent {
			continue
		}
		fd := int(ev.Ident)
		idx, ok := byFD[fd]
		if !ok {
			dst = append(dst, pollEvent{fd: fd})
			idx = len(dst) - 1
			byFD[fd] = idx
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			dst[idx].readable = true
		case unix.EVFILT_WRITE:
			dst[idx].writable = true
		}
	}
	return dst, nil
}

func (p *kqueuePoller) wake() error {
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
	return err
}

func (p *kqueuePoller) close() error {
	return unix.Close(p.kq)
}
