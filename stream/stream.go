// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package stream provides a non-blocking stream over an already-connected
socket descriptor, driven entirely by a reactor.

A Stream owns its descriptor. Once started it watches the descriptor
for readability, and for writability while queued writes are pending,
and surfaces activity through four notifications:

	OnRead    - a chunk of bytes arrived
	OnClose   - the stream closed (locally or by the remote end)
	OnError   - a transport error occurred
	OnTimeout - no byte was read within the inactivity timeout

Writes are queued: Write appends a chunk to a FIFO write queue and the
stream flushes the queue as the descriptor becomes writable. An
optional drain callback attached to a chunk fires once everything up to
and including that chunk has been handed to the kernel; writing an
empty chunk with a drain callback is the idiomatic way to get a
callback once all previously queued data is flushed.

Like the reactor it runs on, a Stream is strictly single-goroutine.
*/
package stream

import (
	"net"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/gogama/evhttp/internal/debuglog"
	"github.com/gogama/evhttp/reactor"
)

// readChunk is the size of the buffer handed to each read syscall.
const readChunk = 131072

type chunk struct {
	data  []byte
	drain func()
}

// A Stream is a reactor-managed non-blocking stream. Construct
// instances with New.
type Stream struct {
	r       *reactor.Reactor
	fd      int
	q       *queue.Queue
	rbuf    []byte
	timeout time.Duration
	timerID reactor.TimerID
	started bool
	reading bool
	closed  bool
	log     zerolog.Logger

	onRead    func([]byte)
	onClose   func()
	onError   func(error)
	onTimeout func()
}

// New wraps the connected, non-blocking descriptor fd in a Stream
// driven by reactor r. The stream takes ownership of fd and will close
// it. The stream is inert until Start is called.
func New(r *reactor.Reactor, fd int) *Stream {
	return &Stream{
		r:    r,
		fd:   fd,
		q:    queue.New(),
		rbuf: make([]byte, readChunk),
		log:  debuglog.New("stream"),
	}
}

// FD returns the stream's descriptor.
func (s *Stream) FD() int { return s.fd }

// Reactor returns the reactor driving this stream.
func (s *Stream) Reactor() *reactor.Reactor { return s.r }

// OnRead sets the callback invoked with every inbound chunk. The chunk
// is only valid for the duration of the callback.
func (s *Stream) OnRead(cb func([]byte)) { s.onRead = cb }

// OnClose sets the callback invoked once when the stream closes.
func (s *Stream) OnClose(cb func()) { s.onClose = cb }

// OnError sets the callback invoked when a transport error occurs.
func (s *Stream) OnError(cb func(error)) { s.onError = cb }

// OnTimeout sets the callback invoked when the inactivity timeout
// fires.
func (s *Stream) OnTimeout(cb func()) { s.onTimeout = cb }

// Detach clears all four notification callbacks. The engine detaches a
// stream before finishing a connection so that late events on a
// finished connection become no-ops.
func (s *Stream) Detach() {
	s.onRead = nil
	s.onClose = nil
	s.onError = nil
	s.onTimeout = nil
}

// SetTimeout sets the inactivity timeout: if no byte is read for d the
// OnTimeout notification fires and the stream closes. The timer is
// restarted on every successful read. A zero d disables the timeout.
func (s *Stream) SetTimeout(d time.Duration) {
	s.timeout = d
	if s.timerID != "" {
		s.r.RemoveTimer(s.timerID)
		s.timerID = ""
	}
	if d > 0 && s.started && !s.closed {
		s.timerID = s.r.Timer(d, s.timeoutFired)
	}
}

// Timeout returns the inactivity timeout.
func (s *Stream) Timeout() time.Duration { return s.timeout }

// Start registers the stream with its reactor and begins watching for
// readability. Start after Stop resumes reading.
func (s *Stream) Start() {
	if s.closed {
		return
	}
	s.reading = true
	if !s.started {
		s.started = true
		s.r.IO(s.fd, s.dispatch)
		if s.timeout > 0 && s.timerID == "" {
			s.timerID = s.r.Timer(s.timeout, s.timeoutFired)
		}
	}
	s.watch()
}

// Stop suspends the read side of the stream. Queued writes continue to
// flush.
func (s *Stream) Stop() {
	if s.closed || !s.started {
		return
	}
	s.reading = false
	s.watch()
}

// Write queues p for writing and returns the stream for chaining. The
// optional drain callback fires once every byte up to and including p
// has been handed to the kernel; p may be empty, in which case drain
// fires as soon as the queue ahead of it is flushed.
//
// Write never blocks and must not be called after the stream closed.
func (s *Stream) Write(p []byte, drain func()) *Stream {
	if s.closed {
		return s
	}
	s.q.Add(&chunk{data: p, drain: drain})
	if s.started {
		s.watch()
	}
	return s
}

// Close closes the stream: the descriptor is removed from the reactor
// and closed, the inactivity timer is cancelled, and OnClose fires.
// Close is idempotent.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.r.RemoveFD(s.fd)
	if s.timerID != "" {
		s.r.RemoveTimer(s.timerID)
		s.timerID = ""
	}
	_ = unix.Close(s.fd)
	s.log.Debug().Int("fd", s.fd).Msg("closed")
	if cb := s.onClose; cb != nil {
		cb()
	}
}

// LocalAddr returns the local address of the stream's descriptor, or
// nil if it cannot be determined.
func (s *Stream) LocalAddr() net.Addr {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCP(sa)
}

// RemoteAddr returns the remote address of the stream's descriptor, or
// nil if it cannot be determined.
func (s *Stream) RemoteAddr() net.Addr {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCP(sa)
}

// watch adjusts the reactor interest set: always the read side while
// reading, and the write side only while writes are pending.
func (s *Stream) watch() {
	s.r.Watch(s.fd, s.reading, s.q.Length() > 0)
}

func (s *Stream) dispatch(write bool) {
	if write {
		s.flush()
	} else {
		s.read()
	}
}

func (s *Stream) flush() {
	for s.q.Length() > 0 {
		front := s.q.Peek().(*chunk)
		if len(front.data) == 0 {
			s.q.Remove()
			if front.drain != nil {
				front.drain()
			}
			continue
		}
		n, err := unix.Write(s.fd, front.data)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			s.fail(err)
			return
		}
		s.log.Debug().Int("fd", s.fd).Int("n", n).Msg("wrote chunk")
		front.data = front.data[n:]
		if len(front.data) > 0 {
			// Kernel took a partial chunk; wait for writability.
			break
		}
		s.q.Remove()
		if front.drain != nil {
			front.drain()
		}
	}
	if !s.closed {
		s.watch()
	}
}

func (s *Stream) read() {
	n, err := unix.Read(s.fd, s.rbuf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err == unix.ECONNRESET || (n == 0 && err == nil) {
		// Remote end closed the connection.
		s.Close()
		return
	}
	if err != nil {
		s.fail(err)
		return
	}
	s.log.Debug().Int("fd", s.fd).Int("n", n).Msg("read chunk")
	if s.timerID != "" {
		s.r.Again(s.timerID)
	}
	if cb := s.onRead; cb != nil {
		cb(s.rbuf[:n])
	}
}

func (s *Stream) timeoutFired() {
	s.timerID = ""
	s.log.Debug().Int("fd", s.fd).Msg("inactivity timeout")
	if cb := s.onTimeout; cb != nil {
		cb()
	}
	s.Close()
}

func (s *Stream) fail(err error) {
	s.log.Debug().Int("fd", s.fd).Err(err).Msg("stream error")
	if cb := s.onError; cb != nil {
		cb(err)
	}
	s.Close()
}

func sockaddrToTCP(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}
