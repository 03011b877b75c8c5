// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package dial provides the reactor-level client connect primitive: a
non-blocking TCP connect whose progress is driven by a reactor watch
and bounded by a connect-timeout timer.

Dial never blocks and never invokes its callback synchronously; the
callback always fires from inside a reactor tick, with either a
started-but-unread Stream or an error.
*/
package dial

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/gogama/evhttp/internal/debuglog"
	"github.com/gogama/evhttp/reactor"
	"github.com/gogama/evhttp/stream"
)

// ErrTimeout is reported when the connection could not be established
// within the configured timeout.
var ErrTimeout = errors.New("dial: connect timeout")

// Config carries the parameters of one connect.
type Config struct {
	// Address is the remote host name or IP address.
	Address string

	// Port is the remote TCP port.
	Port int

	// Timeout bounds connection establishment. Zero means no bound.
	Timeout time.Duration

	// LocalAddress optionally names a local IP address to bind the
	// socket to before connecting.
	LocalAddress string
}

var log zerolog.Logger = debuglog.New("dial")

// Dial starts a non-blocking TCP connect to cfg.Address:cfg.Port and
// arranges for cb to be invoked from a tick of reactor r once the
// connect succeeds, fails, or times out. On success the new Stream is
// owned by the callback; it is not yet started.
func Dial(r *reactor.Reactor, cfg Config, cb func(*stream.Stream, error)) {
	fd, sa, err := connectSocket(cfg)
	if err != nil {
		// Keep the callback discipline: failures are delivered from
		// the loop, never synchronously.
		r.Timer(0, func() { cb(nil, err) })
		return
	}

	log.Debug().Str("address", cfg.Address).Int("port", cfg.Port).Int("fd", fd).Msg("connecting")

	var timerID reactor.TimerID
	settle := func(write bool) {
		r.RemoveFD(fd)
		if timerID != "" {
			r.RemoveTimer(timerID)
		}
		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soerr != 0 {
			err = unix.Errno(soerr)
		}
		if err != nil {
			_ = unix.Close(fd)
			cb(nil, fmt.Errorf("dial: connect %s:%d: %w", cfg.Address, cfg.Port, err))
			return
		}
		cb(stream.New(r, fd), nil)
	}

	if cfg.Timeout > 0 {
		timerID = r.Timer(cfg.Timeout, func() {
			r.RemoveFD(fd)
			_ = unix.Close(fd)
			cb(nil, ErrTimeout)
		})
	}

	err = unix.Connect(fd, sa)
	switch err {
	case nil:
		// Connected immediately; settle from the loop.
		r.Timer(0, func() { settle(true) })
	case unix.EINPROGRESS:
		// Writability (or an exceptional condition) signals the
		// outcome.
		r.IO(fd, settle)
	default:
		if timerID != "" {
			r.RemoveTimer(timerID)
		}
		_ = unix.Close(fd)
		wrapped := fmt.Errorf("dial: connect %s:%d: %w", cfg.Address, cfg.Port, err)
		r.Timer(0, func() { cb(nil, wrapped) })
	}
}

// connectSocket resolves the remote address and prepares a
// non-blocking socket of the right family, bound to the local address
// if one was configured.
func connectSocket(cfg Config) (int, unix.Sockaddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)))
	if err != nil {
		return -1, nil, fmt.Errorf("dial: resolve %s: %w", cfg.Address, err)
	}

	family := unix.AF_INET6
	var sa unix.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil {
		family = unix.AF_INET
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, fmt.Errorf("dial: socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	if cfg.LocalAddress != "" {
		if err := bindLocal(fd, family, cfg.LocalAddress); err != nil {
			_ = unix.Close(fd)
			return -1, nil, err
		}
	}

	return fd, sa, nil
}

func bindLocal(fd, family int, local string) error {
	ip := net.ParseIP(local)
	if ip == nil {
		return fmt.Errorf("dial: invalid local address %q", local)
	}
	var sa unix.Sockaddr
	if family == unix.AF_INET {
		sa4 := &unix.SockaddrInet4{}
		if ip4 := ip.To4(); ip4 != nil {
			copy(sa4.Addr[:], ip4)
		} else {
			return fmt.Errorf("dial: local address %q is not IPv4", local)
		}
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("dial: bind %s: %w", local, err)
	}
	return nil
}
