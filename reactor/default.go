// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package reactor

import "sync"

var (
	defaultMu sync.Mutex
	defaultR  *Reactor
)

// Default returns the process-wide default Reactor, constructing it on
// first use. Non-blocking callers share this instance; callers that
// need isolation (for example a strictly synchronous request) should
// construct a private instance with New instead.
//
// Only the accessor itself is safe for concurrent use. The returned
// Reactor follows the single-goroutine rules described in the package
// documentation.
func Default() *Reactor {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultR == nil {
		defaultR = New()
	}
	return defaultR
}

// CloseDefault tears down the process-wide default Reactor, if one was
// constructed: it is stopped, its tables are cleared, and the next
// Default call constructs a fresh instance. Intended for full teardown
// and for tests.
func CloseDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultR != nil {
		defaultR.Stop()
		defaultR.Reset()
		defaultR = nil
	}
}
