// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package evhttp provides a non-blocking HTTP client engine built on a
cooperative event reactor.

Create a Client to begin making requests. The blocking verbs drive a
private reactor and return once their own transaction is done:

	client := &evhttp.Client{}
	tx, err := client.Get("http://www.example.com")
	if err != nil {
		... // the URL itself was unusable
	}
	if tx.Err() != nil {
		... // the exchange failed (connect, timeout, transport)
	}
	fmt.Println(tx.StatusCode(), string(tx.Body()))

Non-blocking requests register with the process-wide default reactor
and complete through a callback; arbitrarily many of them multiplex
over the one reactor:

	client.DoAsync(tx1, func(evhttp.Transaction) { ... })
	client.DoAsync(tx2, func(evhttp.Transaction) { ... })
	reactor.Default().Start()

For control over endpoint resolution, install a custom Transactor. To
hook into the engine's lifecycle, install handlers:

	handlers := &evhttp.HandlerGroup{}
	handlers.PushBack(evhttp.Start, evhttp.HandlerFunc(
		func(_ evhttp.Event, tx evhttp.Transaction) {
			log.Printf("starting %s", tx.RequestURL())
		}),
	)
	client := &evhttp.Client{Handlers: handlers}

The engine is deliberately small: one transaction per connection, no
retries, no redirects, no connection reuse, no TLS, no proxying. Those
belong in layers above the completion callback. What the engine does
guarantee is lifecycle hygiene: every connection id leaves the table on
every terminal path, every timeout funnels through the transaction's
error slot, and a blocking call always returns its transaction.

Clients, transactions, and reactors are single-goroutine; see package
reactor for the cooperative scheduling model.
*/
package evhttp
