// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package transaction provides an incremental HTTP/1.1 client
request/response codec.

An HTTP value holds one request and accumulates the state of its
response. It performs no I/O of its own: the connection engine pulls
outbound bytes with ClientWrite and feeds inbound bytes with
ClientRead, consulting IsWriting and IsFinished to drive the exchange.

	tx, err := transaction.New("GET", "http://example.com/path")
	...
	// after the engine finishes the transaction:
	if tx.Err() != nil {
		// transport-level failure
	} else {
		code := tx.StatusCode()
		body := tx.Body()
	}

Response bodies delimited by Content-Length and by chunked transfer
encoding are recognized and mark the transaction finished on their
final byte. A response with neither delimiter extends to connection
close; its body accumulates but the transaction never reports
IsFinished, and the engine surfaces completion through its close path
instead.
*/
package transaction

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// maxHeaderBytes bounds the response head. A peer that streams an
// unbounded header section fails the transaction instead of growing
// the parse buffer without limit.
const maxHeaderBytes = 1 << 20

// ErrHeaderTooLarge is reported when the response head exceeds
// maxHeaderBytes before its terminating blank line arrives.
var ErrHeaderTooLarge = errors.New("transaction: response header section too large")

// Response parse states.
const (
	stateHead = iota
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateTrailer
	stateDone
)

// An HTTP is one HTTP/1.1 exchange: a buffered request and the
// incrementally accumulated state of its response. Construct instances
// with New. An HTTP value is single-use and, like the engine that
// drives it, single-goroutine.
type HTTP struct {
	method string
	url    *url.URL
	header http.Header
	body   []byte

	// Write side.
	out  []byte
	woff int

	// Read side.
	in         []byte
	state      int
	status     int
	reason     string
	proto      string
	resHeader  http.Header
	resBody    bytes.Buffer
	remaining  int64
	untilClose bool

	err      error
	conn     string
	local    net.Addr
	remote   net.Addr
	onResume func()
}

// New builds a transaction for an HTTP request with the given method
// and URL. A URL without a scheme is treated as http. The request body
// is empty; add one with SetBody, and headers with SetHeader.
func New(method, rawurl string) (*HTTP, error) {
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, fmt.Errorf("transaction: invalid method %q", method)
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("transaction: parse url: %w", err)
	}
	if u.Scheme == "" {
		u, err = url.Parse("http://" + rawurl)
		if err != nil {
			return nil, fmt.Errorf("transaction: parse url: %w", err)
		}
	}
	if u.Host == "" {
		return nil, fmt.Errorf("transaction: url %q has no host", rawurl)
	}
	return &HTTP{
		method: method,
		url:    u,
		header: make(http.Header),
	}, nil
}

// SetHeader sets a request header, validating the field name and value
// against the HTTP grammar.
func (t *HTTP) SetHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("transaction: invalid header field name %q", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("transaction: invalid value for header %s", name)
	}
	t.header.Set(name, value)
	return nil
}

// SetBody sets the pre-buffered request body. A Content-Length header
// is produced automatically.
func (t *HTTP) SetBody(body []byte) {
	t.body = body
}

// Method returns the request method.
func (t *HTTP) Method() string { return t.method }

// RequestURL returns the parsed request URL.
func (t *HTTP) RequestURL() *url.URL { return t.url }

// RequestHeader returns the request header for inspection.
func (t *HTTP) RequestHeader() http.Header { return t.header }

// ClientWrite returns the next chunk of request bytes to put on the
// wire. The serialized request is handed out once; afterwards
// IsWriting reports false.
func (t *HTTP) ClientWrite() []byte {
	if t.out == nil {
		t.out = t.serialize()
	}
	chunk := t.out[t.woff:]
	t.woff = len(t.out)
	return chunk
}

// IsWriting reports whether the transaction still has request bytes to
// write.
func (t *HTTP) IsWriting() bool {
	return t.out == nil || t.woff < len(t.out)
}

// ClientRead feeds a chunk of inbound response bytes to the parser.
// Bytes arriving after the transaction finished or failed are
// discarded.
func (t *HTTP) ClientRead(p []byte) {
	if t.state == stateDone || t.err != nil {
		return
	}
	t.in = append(t.in, p...)
	if err := t.parse(); err != nil {
		t.Fail(err)
	}
}

// IsFinished reports whether the response was fully received.
func (t *HTTP) IsFinished() bool {
	return t.state == stateDone
}

// Fail records err in the transaction's error slot. Only the first
// error sticks; later calls are no-ops.
func (t *HTTP) Fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

// Err returns the error recorded for this transaction, or nil. After a
// blocking engine call returns, Err distinguishes success from
// failure.
func (t *HTTP) Err() error { return t.err }

// SetConnection records the id of the engine connection carrying this
// transaction.
func (t *HTTP) SetConnection(id string) { t.conn = id }

// Connection returns the id of the engine connection that carried this
// transaction, if any.
func (t *HTTP) Connection() string { return t.conn }

// SetAddrs records the negotiated local and remote addresses.
func (t *HTTP) SetAddrs(local, remote net.Addr) {
	t.local = local
	t.remote = remote
}

// LocalAddr returns the local address of the connection that carried
// this transaction, if known.
func (t *HTTP) LocalAddr() net.Addr { return t.local }

// RemoteAddr returns the remote address of the connection that carried
// this transaction, if known.
func (t *HTTP) RemoteAddr() net.Addr { return t.remote }

// OnResume registers the hook invoked when Resume is called.
func (t *HTTP) OnResume(fn func()) { t.onResume = fn }

// Resume notifies the engine that the transaction wants to write
// again.
func (t *HTTP) Resume() {
	if t.onResume != nil {
		t.onResume()
	}
}

// StatusCode returns the response status code, or zero before the
// status line was received.
func (t *HTTP) StatusCode() int { return t.status }

// Reason returns the response reason phrase.
func (t *HTTP) Reason() string { return t.reason }

// Proto returns the response protocol version, for example "HTTP/1.1".
func (t *HTTP) Proto() string { return t.proto }

// ResponseHeader returns the response header, or nil before the header
// section was received.
func (t *HTTP) ResponseHeader() http.Header { return t.resHeader }

// Body returns the response body received so far.
func (t *HTTP) Body() []byte { return t.resBody.Bytes() }

// Success reports whether the transaction carries no error and
// received a 2xx response.
func (t *HTTP) Success() bool {
	return t.err == nil && t.status >= 200 && t.status < 300
}

// serialize renders the request head and body. Host is always emitted
// first; remaining headers follow in sorted order so output is
// deterministic.
func (t *HTTP) serialize() []byte {
	var b bytes.Buffer
	b.WriteString(t.method)
	b.WriteByte(' ')
	b.WriteString(t.url.RequestURI())
	b.WriteString(" HTTP/1.1\r\n")

	host := t.header.Get("Host")
	if host == "" {
		host = hostHeader(t.url)
	}
	b.WriteString("Host: ")
	b.WriteString(host)
	b.WriteString("\r\n")

	names := make([]string, 0, len(t.header))
	for name := range t.header {
		if name == "Host" || name == "Content-Length" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range t.header[name] {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\r\n")
		}
	}

	if len(t.body) > 0 || bodyExpected(t.method) {
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.Itoa(len(t.body)))
		b.WriteString("\r\n")
	}

	b.WriteString("\r\n")
	b.Write(t.body)
	return b.Bytes()
}

// bodyExpected reports whether the method conventionally carries a
// body, so an explicit zero Content-Length is emitted even when the
// body is empty.
func bodyExpected(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	default:
		return false
	}
}

// hostHeader renders the Host header value, omitting the default port.
func hostHeader(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" || (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		return host
	}
	return net.JoinHostPort(host, port)
}

// parse consumes as much of the buffered input as the current state
// allows.
func (t *HTTP) parse() error {
	for {
		switch t.state {
		case stateHead:
			idx := bytes.Index(t.in, []byte("\r\n\r\n"))
			if idx < 0 {
				if len(t.in) > maxHeaderBytes {
					return ErrHeaderTooLarge
				}
				return nil
			}
			head := t.in[:idx+4]
			t.in = t.in[idx+4:]
			if err := t.parseHead(head); err != nil {
				return err
			}
		case stateBody:
			if t.untilClose {
				t.resBody.Write(t.in)
				t.in = t.in[:0]
				return nil
			}
			n := int64(len(t.in))
			if n > t.remaining {
				n = t.remaining
			}
			t.resBody.Write(t.in[:n])
			t.in = t.in[n:]
			t.remaining -= n
			if t.remaining > 0 {
				return nil
			}
			t.state = stateDone
		case stateChunkSize:
			line, rest, ok := cutLine(t.in)
			if !ok {
				return nil
			}
			t.in = rest
			size, err := chunkSize(line)
			if err != nil {
				return err
			}
			if size == 0 {
				t.state = stateTrailer
				continue
			}
			t.remaining = size
			t.state = stateChunkData
		case stateChunkData:
			n := int64(len(t.in))
			if n > t.remaining {
				n = t.remaining
			}
			t.resBody.Write(t.in[:n])
			t.in = t.in[n:]
			t.remaining -= n
			if t.remaining > 0 {
				return nil
			}
			t.state = stateChunkCRLF
		case stateChunkCRLF:
			if len(t.in) < 2 {
				return nil
			}
			if t.in[0] != '\r' || t.in[1] != '\n' {
				return errors.New("transaction: malformed chunk terminator")
			}
			t.in = t.in[2:]
			t.state = stateChunkSize
		case stateTrailer:
			line, rest, ok := cutLine(t.in)
			if !ok {
				return nil
			}
			t.in = rest
			if len(line) == 0 {
				t.state = stateDone
				continue
			}
			// Trailer fields are tolerated and discarded.
		case stateDone:
			t.in = nil
			return nil
		}
	}
}

// parseHead parses the status line and header section and decides how
// the body is delimited.
func (t *HTTP) parseHead(head []byte) error {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := tp.ReadLine()
	if err != nil {
		return fmt.Errorf("transaction: read status line: %w", err)
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return fmt.Errorf("transaction: malformed status line %q", line)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 599 {
		return fmt.Errorf("transaction: malformed status code %q", codeStr)
	}
	mime, err := tp.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("transaction: read header: %w", err)
	}

	t.proto = proto
	t.status = code
	t.reason = reason
	t.resHeader = http.Header(mime)

	switch {
	case t.method == "HEAD", code >= 100 && code < 200, code == 204, code == 304:
		t.state = stateDone
	case hasChunked(t.resHeader):
		t.state = stateChunkSize
	case t.resHeader.Get("Content-Length") != "":
		cl, err := strconv.ParseInt(t.resHeader.Get("Content-Length"), 10, 64)
		if err != nil || cl < 0 {
			return fmt.Errorf("transaction: malformed Content-Length %q", t.resHeader.Get("Content-Length"))
		}
		if cl == 0 {
			t.state = stateDone
		} else {
			t.remaining = cl
			t.state = stateBody
		}
	default:
		// No delimiter: the body extends to connection close.
		t.untilClose = true
		t.state = stateBody
	}
	return nil
}

func hasChunked(h http.Header) bool {
	for _, v := range h.Values("Transfer-Encoding") {
		for _, te := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(te), "chunked") {
				return true
			}
		}
	}
	return false
}

// cutLine splits buf at the first CRLF, reporting false if none is
// buffered yet.
func cutLine(buf []byte) (line, rest []byte, ok bool) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		return nil, buf, false
	}
	return buf[:idx], buf[idx+2:], true
}

// chunkSize parses a chunk-size line, ignoring any chunk extension.
func chunkSize(line []byte) (int64, error) {
	s := string(line)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(s), 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("transaction: malformed chunk size %q", string(line))
	}
	return size, nil
}
