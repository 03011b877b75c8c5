// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package reactor provides a cooperative, single-threaded event reactor
multiplexing I/O readiness of a set of descriptors and firing one-shot
and recurring timers.

Create a private Reactor with New, or share the lazily-constructed
process-wide instance returned by Default:

	r := reactor.New()
	r.Timer(100*time.Millisecond, func() { fmt.Println("tick") })
	r.Start()

Descriptor callbacks are registered with IO and the interest set is
adjusted with Watch:

	r.IO(fd, func(write bool) {
		if write {
			// descriptor is writable
		} else {
			// descriptor is readable (or in an exceptional state)
		}
	})
	r.Watch(fd, true, false) // read interest only

The reactor is strictly cooperative: all table mutation happens either
synchronously inside OneTick's dispatch of a callback or synchronously
from the caller before control returns to the loop. None of the Reactor
methods are safe for concurrent use from other goroutines; a
multi-goroutine embedding must marshal calls onto the goroutine running
the loop.

Callback failures are not isolated. A callback that panics propagates
out of OneTick and terminates the loop.
*/
package reactor
