// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evhttp

import (
	"net"
	"net/url"
)

// A Transaction is the incremental request/response codec the engine
// drives over one connection. The transaction package provides the
// HTTP/1.1 implementation; any other implementation of this capability
// set works the same way.
//
// The engine is the sole driver of ClientRead and ClientWrite: callers
// share the transaction object (to inspect its accumulated state) but
// must never invoke its I/O methods while the engine owns the
// exchange.
type Transaction interface {
	// ClientRead feeds a chunk of inbound bytes to the transaction.
	ClientRead(p []byte)

	// ClientWrite returns the next chunk of outbound bytes.
	ClientWrite() []byte

	// IsWriting reports whether the transaction wants to write.
	IsWriting() bool

	// IsFinished reports whether the exchange is complete.
	IsFinished() bool

	// RequestURL returns the request URL, which the Transactor
	// resolves into a transport endpoint.
	RequestURL() *url.URL

	// SetConnection records the id of the engine connection carrying
	// this transaction.
	SetConnection(id string)

	// SetAddrs records the negotiated local and remote addresses.
	SetAddrs(local, remote net.Addr)

	// OnResume registers the engine's hook for the transaction's
	// resume notification, so a transaction that becomes writable
	// again can re-enter the engine's write loop.
	OnResume(fn func())

	// Fail records err in the transaction's error slot.
	Fail(err error)

	// Err returns the error recorded in the transaction's error slot,
	// or nil.
	Err() error
}

// A Transactor resolves transactions into transport endpoints.
//
// Client uses a StandardTransactor unless another implementation is
// installed.
type Transactor interface {
	// Endpoint returns the transport endpoint for tx.
	Endpoint(tx Transaction) (scheme, host string, port int, err error)

	// Peer returns the transport endpoint actually connected to for
	// tx. It differs from Endpoint only when a proxy is involved;
	// proxy support itself is layered above this engine.
	Peer(tx Transaction) (scheme, host string, port int, err error)
}

// StandardTransactor resolves endpoints directly from the request URL:
// the URL host, and the URL port or the scheme's default.
type StandardTransactor struct{}

// Endpoint implements Transactor.
func (StandardTransactor) Endpoint(tx Transaction) (string, string, int, error) {
	u := tx.RequestURL()
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	port := 80
	if scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := net.LookupPort("tcp", p)
		if err != nil {
			return "", "", 0, err
		}
		port = n
	}
	return scheme, u.Hostname(), port, nil
}

// Peer implements Transactor. Without proxy support the peer is always
// the endpoint itself.
func (t StandardTransactor) Peer(tx Transaction) (string, string, int, error) {
	return t.Endpoint(tx)
}
