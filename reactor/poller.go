package reactor

import "time"

// pollEvent reports readiness for one watched file descriptor. The wake
// pseudo-fd (fd == wakeFD) is filtered out by the poller implementations
// before events reach the Loop.
type pollEvent struct {
	fd       int
	readable bool
	writable bool
}

// poller is the portable readiness-multiplexing interface each Loop drives.
// linux gets an epoll-backed implementation, darwin/bsd a kqueue-backed
// one, split along //go:build lines behind this one interface so Loop
// never branches on OS.
type poller interface {
	// add registers fd for readability and, if writable, writability too.
	add(fd int, writable bool) error
	// modify changes the watched interest set for an already-registered fd.
	modify(fd int, writable bool) error
	// remove stops watching fd. Safe to call even if fd was never added.
	remove(fd int) error
	// wait blocks up to timeout (or forever if timeout < 0) and appends
	// ready events to dst, returning the extended slice.
	wait(dst []pollEvent, timeout time.Duration) ([]pollEvent, error)
	// wake interrupts a concurrent wait() from any goroutine.
	wake() error
	close() error
}
