// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build unix

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// readyRead covers readability plus the exceptional conditions that
// must be routed to the read path so the callback can observe the
// failure through a read.
const readyRead = unix.POLLIN | unix.POLLPRI | unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

// poll performs one multiplexing wait bounded by wait and dispatches
// the callback of every descriptor found ready, returning the number
// of callbacks dispatched. Read readiness wins over write readiness
// when a descriptor reports both in the same wait.
func (r *Reactor) poll(wait time.Duration) int {
	fds := make([]unix.PollFd, 0, len(r.watchers))
	for fd, w := range r.watchers {
		var events int16
		if w.read {
			events |= unix.POLLIN | unix.POLLPRI
		}
		if w.write {
			events |= unix.POLLOUT
		}
		if events == 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	if len(fds) == 0 {
		if wait > 0 {
			time.Sleep(wait)
		}
		return 0
	}

	n, err := unix.Poll(fds, pollMillis(wait))
	if err != nil {
		// EINTR is routine; anything else is logged and retried by
		// the caller's dispatch loop.
		if err != unix.EINTR {
			r.log.Debug().Err(err).Msg("poll failed")
		}
		return 0
	}
	if n <= 0 {
		return 0
	}

	dispatched := 0
	for _, p := range fds {
		if p.Revents == 0 {
			continue
		}
		// Look the watcher up again: an earlier callback in this
		// batch may have removed it.
		w, ok := r.watchers[int(p.Fd)]
		if !ok || w.cb == nil {
			continue
		}
		if p.Revents&readyRead != 0 {
			dispatched++
			w.cb(false)
		} else if p.Revents&unix.POLLOUT != 0 {
			dispatched++
			w.cb(true)
		}
	}
	return dispatched
}

// IsReadable polls descriptor fd once with a zero timeout and reports
// whether it is readable right now. This is a best-effort shortcut for
// callers outside the steady-state loop and may change in future.
func (r *Reactor) IsReadable(fd int) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN | unix.POLLPRI}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		return err == nil && n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLPRI) != 0
	}
}

// pollMillis converts the wait bound to poll(2) milliseconds, rounding
// a short positive wait up to one millisecond so the loop does not
// spin.
func pollMillis(wait time.Duration) int {
	if wait <= 0 {
		return 0
	}
	ms := int(wait / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}
