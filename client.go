// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evhttp

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gogama/evhttp/dial"
	"github.com/gogama/evhttp/internal/debuglog"
	"github.com/gogama/evhttp/reactor"
	"github.com/gogama/evhttp/stream"
	"github.com/gogama/evhttp/transaction"
)

// A Client is a non-blocking HTTP client engine. It runs exactly one
// transaction per connection id, fully via reactor callbacks, and
// multiplexes arbitrarily many concurrent connection ids over one
// reactor. Its zero value is a valid configuration.
//
// Blocking calls (Do and the convenience verbs) drive the client's own
// private reactor until their transaction, and only that transaction,
// is done. Non-blocking calls (DoAsync) register with the process-wide
// default reactor and return immediately; the caller drives that
// reactor.
//
// Unlike a connection-pooling client, the engine holds no state between
// exchanges: every transaction gets a fresh connection, and the
// connection id is removed from the engine's table on every terminal
// path. Retries, redirects, cookies, TLS, and proxying are concerns for
// a layer above this engine.
//
// A Client and the reactors it uses are single-goroutine; see package
// reactor. Client is NOT safe for concurrent use by multiple
// goroutines.
type Client struct {
	// ConnectTimeout bounds connection establishment. Zero means the
	// default (EVHTTP_CONNECT_TIMEOUT or 10 seconds).
	ConnectTimeout time.Duration

	// InactivityTimeout bounds the gap between two successful reads on
	// a connection. Zero means the default (EVHTTP_INACTIVITY_TIMEOUT
	// or 30 seconds); a negative value disables the timeout.
	InactivityTimeout time.Duration

	// RequestTimeout bounds one whole exchange, armed once at start
	// and never re-armed. Zero means the default
	// (EVHTTP_REQUEST_TIMEOUT or disabled).
	RequestTimeout time.Duration

	// LocalAddress optionally names the local IP address to bind
	// outbound sockets to.
	LocalAddress string

	// Transactor resolves transactions into transport endpoints.
	//
	// If Transactor is nil, StandardTransactor is used.
	Transactor Transactor

	// Handlers allows custom handler chains to be invoked when
	// designated events occur while the engine runs a transaction.
	//
	// If Handlers is nil, no custom handlers will be run.
	Handlers *HandlerGroup

	// Metrics collects engine metrics.
	//
	// If Metrics is nil, no metrics are collected.
	Metrics *MetricsCollector

	// Loop is the private reactor driven by blocking calls. If Loop is
	// nil a reactor is constructed on first blocking call.
	Loop *reactor.Reactor

	conns map[string]*conn
	log   zerolog.Logger
	init  bool
}

// conn is one entry in the engine's connection table. The table owns
// the record exclusively; the transaction inside it is shared with the
// caller, but the engine is the sole driver of its I/O methods.
type conn struct {
	id       string
	tx       Transaction
	cb       func(Transaction)
	nb       bool
	writing  bool
	stream   *stream.Stream
	reqTimer reactor.TimerID
	started  time.Time
}

func (c *Client) lazyInit() {
	if !c.init {
		c.conns = make(map[string]*conn)
		c.log = debuglog.New("client")
		c.init = true
	}
}

// Do runs tx as a blocking exchange: it drives the client's private
// reactor until the transaction reaches a terminal state, then returns
// tx. No error crosses this boundary for ordinary request failures;
// inspect the transaction's error slot to distinguish success from
// failure.
func (c *Client) Do(tx Transaction) Transaction {
	loop := c.blockingLoop()
	c.log.Debug().Str("url", tx.RequestURL().String()).Msg("blocking request")
	c.start(false, tx, func(Transaction) { loop.Stop() })
	loop.Start()
	return tx
}

// DoAsync starts tx as a non-blocking exchange on the process-wide
// default reactor and returns its connection id. The completion
// callback cb is invoked exactly once, from a reactor tick, when the
// transaction reaches a terminal state; by then the connection id has
// already left the engine's table.
//
// The caller is responsible for driving the default reactor, typically
// with reactor.Default().Start().
func (c *Client) DoAsync(tx Transaction, cb func(Transaction)) string {
	c.lazyInit()
	c.log.Debug().Str("url", tx.RequestURL().String()).Msg("non-blocking request")
	return c.start(true, tx, cb)
}

// Get issues a blocking GET to the specified URL and returns the
// finished transaction. The returned error is non-nil only if the URL
// itself was unusable; request failures are reported through the
// transaction's error slot.
func (c *Client) Get(url string) (*transaction.HTTP, error) {
	return c.verb("GET", url, "", nil)
}

// Head issues a blocking HEAD to the specified URL, using the same
// conventions as Get.
func (c *Client) Head(url string) (*transaction.HTTP, error) {
	return c.verb("HEAD", url, "", nil)
}

// Post issues a blocking POST of body to the specified URL, using the
// same conventions as Get. contentType may be empty.
func (c *Client) Post(url, contentType string, body []byte) (*transaction.HTTP, error) {
	return c.verb("POST", url, contentType, body)
}

func (c *Client) verb(method, url, contentType string, body []byte) (*transaction.HTTP, error) {
	tx, err := transaction.New(method, url)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		if err := tx.SetHeader("Content-Type", contentType); err != nil {
			return nil, err
		}
	}
	if body != nil {
		tx.SetBody(body)
	}
	c.Do(tx)
	return tx, nil
}

// Connections returns the number of in-flight connections in the
// engine's table.
func (c *Client) Connections() int {
	return len(c.conns)
}

// start emits the Start notification, requests a connection, and arms
// the request timer if a nonzero request timeout is configured.
func (c *Client) start(nb bool, tx Transaction, cb func(Transaction)) string {
	c.lazyInit()
	if c.Handlers != nil {
		c.Handlers.run(Start, tx)
	}
	cid := c.connect(nb, tx, cb)
	if d := c.requestTimeout(); d > 0 {
		if cn, ok := c.conns[cid]; ok {
			cn.reqTimer = c.loopFor(nb).Timer(d, func() {
				c.fail(cid, ErrRequestTimeout)
			})
		}
	}
	return cid
}

// connect creates the connection record and asks the reactor-level
// connect primitive for a stream. Every callback registered here holds
// only the connection id and resolves it against the live table when
// it fires; a callback whose connection is gone is a no-op.
func (c *Client) connect(nb bool, tx Transaction, cb func(Transaction)) string {
	cid := c.newConnID()
	c.conns[cid] = &conn{id: cid, tx: tx, cb: cb, nb: nb, started: time.Now()}
	c.Metrics.connStarted(tx)

	loop := c.loopFor(nb)
	scheme, host, port, err := c.transactor().Endpoint(tx)
	if err != nil {
		loop.Timer(0, func() { c.fail(cid, err) })
		return cid
	}
	if scheme != "http" {
		loop.Timer(0, func() { c.fail(cid, ErrUnsupportedScheme) })
		return cid
	}

	c.log.Debug().Str("cid", cid).Str("host", host).Int("port", port).Msg("connect")
	dial.Dial(loop, dial.Config{
		Address:      host,
		Port:         port,
		Timeout:      c.connectTimeout(),
		LocalAddress: c.LocalAddress,
	}, func(st *stream.Stream, err error) {
		cn, ok := c.conns[cid]
		if !ok {
			// The connection finished (request timeout, most likely)
			// while the connect was still in flight.
			if st != nil {
				st.Close()
			}
			return
		}
		if err != nil {
			c.fail(cid, err)
			return
		}
		cn.stream = st
		st.OnTimeout(func() { c.fail(cid, ErrInactivityTimeout) })
		st.OnClose(func() { c.finish(cid, true) })
		st.OnError(func(err error) { c.fail(cid, err) })
		st.OnRead(func(chunk []byte) { c.read(cid, chunk) })
		c.connected(cid)
	})
	return cid
}

// connected wraps the new stream with the inactivity timeout, records
// connection information in the transaction, and starts writing.
func (c *Client) connected(cid string) {
	cn, ok := c.conns[cid]
	if !ok {
		return
	}
	if d := c.inactivityTimeout(); d > 0 {
		cn.stream.SetTimeout(d)
	}
	cn.stream.Start()

	tx := cn.tx
	tx.SetConnection(cid)
	tx.SetAddrs(cn.stream.LocalAddr(), cn.stream.RemoteAddr())
	tx.OnResume(func() { c.write(cid) })
	c.write(cid)
}

// read feeds one inbound chunk to the transaction and advances the
// exchange: finish when the transaction is done, or re-enter the write
// loop when it wants to write again.
func (c *Client) read(cid string, chunk []byte) {
	cn, ok := c.conns[cid]
	if !ok {
		return
	}
	tx := cn.tx
	c.log.Debug().Str("cid", cid).Int("n", len(chunk)).Msg("client <<< server")
	tx.ClientRead(chunk)
	switch {
	case tx.IsFinished():
		c.finish(cid, false)
	case tx.IsWriting():
		c.write(cid)
	}
}

// write pulls the next chunk from the transaction and hands it to the
// stream. The writing flag guarantees at most one write is in flight
// per connection: a redundant concurrent request (the resume
// notification racing the drain callback of a previous write) is a
// silent no-op.
func (c *Client) write(cid string) {
	cn, ok := c.conns[cid]
	if !ok || cn.stream == nil {
		return
	}
	tx := cn.tx
	if !tx.IsWriting() || cn.writing {
		return
	}

	cn.writing = true
	chunk := tx.ClientWrite()
	cn.writing = false
	c.log.Debug().Str("cid", cid).Int("n", len(chunk)).Msg("client >>> server")

	cn.stream.Write(chunk, nil)
	if tx.IsFinished() {
		c.finish(cid, false)
		return
	}

	// Continue writing: an empty chunk whose drain callback re-enters
	// this loop once everything queued so far is flushed.
	if !tx.IsWriting() {
		return
	}
	cn.stream.Write(nil, func() { c.write(cid) })
}

// fail reports err to the transaction's error slot and routes the
// connection to finish(close=true), so no connection is ever left
// half-open in the table.
func (c *Client) fail(cid string, err error) {
	if cn, ok := c.conns[cid]; ok {
		c.log.Debug().Str("cid", cid).Err(err).Msg("connection error")
		cn.tx.Fail(err)
		c.Metrics.connFailed(cn.tx, err)
	}
	c.finish(cid, true)
}

// finish detaches the stream, deletes the connection id from the
// table, and invokes the completion callback. Finishing an unknown id
// is a no-op, so late stream or timer events on an already-finished
// connection do nothing.
func (c *Client) finish(cid string, close bool) {
	cn, ok := c.conns[cid]
	if !ok {
		return
	}
	delete(c.conns, cid)
	c.log.Debug().Str("cid", cid).Bool("close", close).Msg("finish")

	if cn.reqTimer != "" {
		c.loopFor(cn.nb).RemoveTimer(cn.reqTimer)
	}
	if cn.stream != nil {
		cn.stream.Detach()
		if close {
			cn.stream.Close()
		}
	}
	c.Metrics.connFinished(cn.tx, time.Since(cn.started))
	if c.Handlers != nil {
		c.Handlers.run(Finish, cn.tx)
	}
	if cn.cb != nil {
		cn.cb(cn.tx)
	}
}

// newConnID generates a connection id, retrying until it does not
// collide with a live connection.
func (c *Client) newConnID() string {
	for {
		id := uuid.NewString()
		if _, exists := c.conns[id]; !exists {
			return id
		}
	}
}

func (c *Client) transactor() Transactor {
	if c.Transactor == nil {
		return StandardTransactor{}
	}
	return c.Transactor
}

// blockingLoop returns the private reactor used by blocking calls,
// constructing it on first use.
func (c *Client) blockingLoop() *reactor.Reactor {
	c.lazyInit()
	if c.Loop == nil {
		c.Loop = reactor.New()
	}
	return c.Loop
}

// loopFor returns the reactor all of a connection's timers and
// watchers live on: the shared default loop for non-blocking
// connections, the client's private loop for blocking ones.
func (c *Client) loopFor(nb bool) *reactor.Reactor {
	if nb {
		return reactor.Default()
	}
	return c.blockingLoop()
}

func (c *Client) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return envDuration("EVHTTP_CONNECT_TIMEOUT", 10*time.Second)
}

func (c *Client) inactivityTimeout() time.Duration {
	if c.InactivityTimeout < 0 {
		return 0
	}
	if c.InactivityTimeout > 0 {
		return c.InactivityTimeout
	}
	return envDuration("EVHTTP_INACTIVITY_TIMEOUT", 30*time.Second)
}

func (c *Client) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return envDuration("EVHTTP_REQUEST_TIMEOUT", 0)
}
