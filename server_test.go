// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evhttp

import (
	"bytes"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fixtureServer is a scripted HTTP/1.1 server on a real TCP socket. It
// reads one request per connection, records it, and hands the
// connection to the test's handler to answer. When the handler returns
// the connection is closed, so engines waiting for end of input see a
// clean remote close.
type fixtureServer struct {
	t   *testing.T
	lis net.Listener

	mu   sync.Mutex
	reqs [][]byte
}

func startServer(t *testing.T, handler func(c net.Conn, req []byte)) *fixtureServer {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fixtureServer{t: t, lis: lis}
	t.Cleanup(s.close)
	go s.accept(handler)
	return s
}

func (s *fixtureServer) accept(handler func(c net.Conn, req []byte)) {
	for {
		c, err := s.lis.Accept()
		if err != nil {
			return
		}
		go func() {
			defer c.Close()
			req, err := readRequest(c)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.reqs = append(s.reqs, req)
			s.mu.Unlock()
			handler(c, req)
		}()
	}
}

func (s *fixtureServer) url(path string) string {
	return "http://" + s.lis.Addr().String() + path
}

func (s *fixtureServer) requests() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.reqs...)
}

func (s *fixtureServer) close() {
	_ = s.lis.Close()
}

// readRequest reads one full request from c: the head through its
// terminating blank line, plus a Content-Length body if one is
// declared.
func readRequest(c net.Conn) ([]byte, error) {
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := c.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
			want := idx + 4 + contentLength(buf[:idx])
			for len(buf) < want {
				n, err = c.Read(tmp)
				buf = append(buf, tmp[:n]...)
				if err != nil {
					return buf, err
				}
			}
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}

func contentLength(head []byte) int {
	for _, line := range strings.Split(string(head), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// requestPath extracts the request target from the first line of a
// recorded request.
func requestPath(req []byte) string {
	line, _, _ := strings.Cut(string(req), "\r\n")
	parts := strings.Split(line, " ")
	if len(parts) == 3 {
		return parts[1]
	}
	return ""
}
