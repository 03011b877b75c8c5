// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package dial

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gogama/evhttp/reactor"
	"github.com/gogama/evhttp/stream"
)

func listener(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	addr := l.Addr().(*net.TCPAddr)
	return l, addr.IP.String(), addr.Port
}

// unacceptingListener binds a listening socket that is never accepted
// from and fills its accept backlog, so any further connect stays
// pending indefinitely.
func unacceptingListener(t *testing.T) (string, int) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(fd, 0))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	for i := 0; i < 8; i++ {
		c, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err != nil {
			break
		}
		t.Cleanup(func() { _ = c.Close() })
	}
	return "127.0.0.1", port
}

func TestDialSuccess(t *testing.T) {
	l, host, port := listener(t)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			defer conn.Close()
			_, _ = conn.Write([]byte("hi"))
		}
	}()

	r := reactor.New()
	var st *stream.Stream
	var dialErr error
	Dial(r, Config{Address: host, Port: port, Timeout: time.Second}, func(s *stream.Stream, err error) {
		st, dialErr = s, err
		r.Stop()
	})
	r.Start()

	require.NoError(t, dialErr)
	require.NotNil(t, st)
	defer st.Close()
	assert.Equal(t, port, st.RemoteAddr().(*net.TCPAddr).Port)
}

func TestDialRefused(t *testing.T) {
	// Bind a port, then close it so nothing is listening there.
	l, host, port := listener(t)
	require.NoError(t, l.Close())

	r := reactor.New()
	var dialErr error
	Dial(r, Config{Address: host, Port: port, Timeout: time.Second}, func(s *stream.Stream, err error) {
		dialErr = err
		r.Stop()
	})
	r.Start()

	require.Error(t, dialErr)
	assert.True(t, errors.Is(dialErr, unix.ECONNREFUSED))
}

func TestDialTimeout(t *testing.T) {
	// A listener that never accepts, with its single-slot backlog
	// saturated in advance, leaves the next connect hanging until the
	// timer fires.
	host, port := unacceptingListener(t)

	r := reactor.New()
	var dialErr error
	start := time.Now()
	Dial(r, Config{Address: host, Port: port, Timeout: 50 * time.Millisecond}, func(s *stream.Stream, err error) {
		dialErr = err
		r.Stop()
	})
	r.Start()

	assert.ErrorIs(t, dialErr, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDialResolveFailure(t *testing.T) {
	r := reactor.New()
	var dialErr error
	Dial(r, Config{Address: "host.invalid", Port: 80, Timeout: time.Second}, func(s *stream.Stream, err error) {
		dialErr = err
		r.Stop()
	})
	r.Start()
	assert.Error(t, dialErr)
}

func TestDialCallbackIsAsynchronous(t *testing.T) {
	r := reactor.New()
	fired := false
	Dial(r, Config{Address: "host.invalid", Port: 80}, func(*stream.Stream, error) {
		fired = true
		r.Stop()
	})
	assert.False(t, fired, "callback must fire from the loop, not synchronously")
	r.Start()
	assert.True(t, fired)
}

func TestDialLocalBind(t *testing.T) {
	l, host, port := listener(t)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	r := reactor.New()
	var st *stream.Stream
	var dialErr error
	Dial(r, Config{Address: host, Port: port, Timeout: time.Second, LocalAddress: "127.0.0.1"}, func(s *stream.Stream, err error) {
		st, dialErr = s, err
		r.Stop()
	})
	r.Start()

	require.NoError(t, dialErr)
	require.NotNil(t, st)
	defer st.Close()
	assert.Equal(t, "127.0.0.1", st.LocalAddr().(*net.TCPAddr).IP.String())
}

func TestDialInvalidLocalBind(t *testing.T) {
	r := reactor.New()
	var dialErr error
	Dial(r, Config{Address: "127.0.0.1", Port: 80, LocalAddress: "not an ip"}, func(s *stream.Stream, err error) {
		dialErr = err
		r.Stop()
	})
	r.Start()
	assert.Error(t, dialErr)
}
