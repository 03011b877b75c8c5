// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evhttp

import "errors"

var (
	// ErrInactivityTimeout is recorded in a transaction's error slot
	// when no byte was read from its connection within the client's
	// inactivity timeout.
	ErrInactivityTimeout = errors.New("evhttp: inactivity timeout")

	// ErrRequestTimeout is recorded in a transaction's error slot when
	// the whole exchange did not complete within the client's request
	// timeout.
	ErrRequestTimeout = errors.New("evhttp: request timeout")

	// ErrUnsupportedScheme is recorded in a transaction's error slot
	// when its endpoint resolves to a scheme the engine cannot carry
	// (anything but plain http; TLS is layered above this engine).
	ErrUnsupportedScheme = errors.New("evhttp: unsupported URL scheme")
)
