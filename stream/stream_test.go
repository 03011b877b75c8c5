// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gogama/evhttp/reactor"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestReadNotification(t *testing.T) {
	r := reactor.New()
	a, b := socketPair(t)
	defer unix.Close(b)

	s := New(r, a)
	var got []byte
	s.OnRead(func(chunk []byte) {
		got = append(got, chunk...)
		if len(got) >= 5 {
			s.Close()
			r.Stop()
		}
	})
	s.Start()

	_, err := unix.Write(b, []byte("hello"))
	require.NoError(t, err)
	r.Start()
	assert.Equal(t, []byte("hello"), got)
}

func TestWriteAndDrainOrder(t *testing.T) {
	r := reactor.New()
	a, b := socketPair(t)
	defer unix.Close(b)

	s := New(r, a)
	var order []string
	s.Write([]byte("first"), func() { order = append(order, "drain1") })
	s.Write(nil, func() { order = append(order, "flushed") })
	s.Write([]byte("second"), func() {
		order = append(order, "drain2")
		s.Close()
		r.Stop()
	})
	s.Start()
	r.Start()

	assert.Equal(t, []string{"drain1", "flushed", "drain2"}, order)

	buf := make([]byte, 64)
	n, err := unix.Read(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "firstsecond", string(buf[:n]))
}

func TestRemoteCloseNotification(t *testing.T) {
	r := reactor.New()
	a, b := socketPair(t)

	s := New(r, a)
	closed := false
	s.OnClose(func() {
		closed = true
		r.Stop()
	})
	s.Start()

	require.NoError(t, unix.Close(b))
	r.Start()
	assert.True(t, closed)
}

func TestInactivityTimeout(t *testing.T) {
	r := reactor.New()
	a, b := socketPair(t)
	defer unix.Close(b)

	s := New(r, a)
	var timedOut, closed bool
	s.OnTimeout(func() { timedOut = true })
	s.OnClose(func() {
		closed = true
		r.Stop()
	})
	s.SetTimeout(50 * time.Millisecond)
	s.Start()

	start := time.Now()
	r.Start()
	assert.True(t, timedOut)
	assert.True(t, closed)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestReadResetsInactivityTimer(t *testing.T) {
	r := reactor.New()
	a, b := socketPair(t)
	defer unix.Close(b)

	s := New(r, a)
	var timedOut bool
	reads := 0
	s.OnRead(func([]byte) { reads++ })
	s.OnTimeout(func() {
		timedOut = true
		r.Stop()
	})
	s.SetTimeout(60 * time.Millisecond)
	s.Start()

	// Feed a byte every 30ms from a reactor timer on the peer socket:
	// each read re-arms the timer, so the timeout only fires once the
	// feeding stops.
	feeds := 0
	var feed func()
	feed = func() {
		feeds++
		if feeds <= 3 {
			_, err := unix.Write(b, []byte("x"))
			require.NoError(t, err)
			r.Timer(30*time.Millisecond, feed)
		}
	}
	r.Timer(30*time.Millisecond, feed)

	start := time.Now()
	r.Start()
	assert.True(t, timedOut)
	assert.Equal(t, 3, reads)
	// Three feeds at ~30/60/90ms, then a full 60ms of silence.
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestDetachMakesNotificationsNoOps(t *testing.T) {
	r := reactor.New()
	a, b := socketPair(t)

	s := New(r, a)
	closed := false
	s.OnClose(func() { closed = true })
	s.Start()
	s.Detach()

	require.NoError(t, unix.Close(b))
	// The close still happens; only the notification is gone.
	r.Timer(50*time.Millisecond, func() { r.Stop() })
	r.Start()
	assert.False(t, closed)
}

func TestCloseIdempotent(t *testing.T) {
	r := reactor.New()
	a, b := socketPair(t)
	defer unix.Close(b)

	s := New(r, a)
	closes := 0
	s.OnClose(func() { closes++ })
	s.Start()
	s.Close()
	s.Close()
	assert.Equal(t, 1, closes)
}

func TestAddrs(t *testing.T) {
	// Socketpairs have no TCP addresses; use a real loopback
	// connection.
	r := reactor.New()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	s := New(r, fd)
	defer s.Close()
	// Unconnected socket: remote is unknown, local is the wildcard.
	assert.Nil(t, s.RemoteAddr())
}
