// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evhttp

// A HandlerGroup is a group of event handler chains which can be
// installed in a Client.
type HandlerGroup struct {
	handlers [][]Handler
}

// PushBack adds an event handler to the back of the event handler chain
// for a specific event type.
func (g *HandlerGroup) PushBack(evt Event, h Handler) {
	if h == nil {
		panic("evhttp: nil handler")
	}

	if evt < 0 || int(evt) >= numEvents {
		panic("evhttp: invalid event")
	}

	if g.handlers == nil {
		g.handlers = make([][]Handler, numEvents)
	}

	g.handlers[evt] = append(g.handlers[evt], h)
}

func (g *HandlerGroup) run(evt Event, tx Transaction) {
	i := int(evt)
	if i < len(g.handlers) {
		run(g.handlers[i], evt, tx)
	}
}

func run(chain []Handler, evt Event, tx Transaction) {
	for _, h := range chain {
		h.Handle(evt, tx)
	}
}

// A Handler handles the occurrence of an event while the engine runs a
// transaction.
type Handler interface {
	Handle(Event, Transaction)
}

// The HandlerFunc type is an adapter to allow the use of ordinary
// functions as event handlers. If f is a function with appropriate
// signature, then HandlerFunc(f) is a Handler.
type HandlerFunc func(Event, Transaction)

// Handle calls f(evt, tx).
func (f HandlerFunc) Handle(evt Event, tx Transaction) {
	f(evt, tx)
}
