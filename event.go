// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evhttp

// An Event identifies the event type when installing or running a
// Handler. Install event handlers in a Client to observe transactions
// as the engine drives them.
type Event int

const (
	// Start identifies the event that occurs when the engine accepts a
	// transaction, before the connection is requested.
	//
	// When Client fires Start, the transaction carries only its
	// request state: no connection id or addresses are set yet.
	Start Event = iota
	// Finish identifies the event that occurs when the engine finishes
	// a transaction, for any terminal path, immediately before the
	// completion callback is invoked.
	//
	// When Client fires Finish, the connection id has already been
	// removed from the engine's connection table. Inspect the
	// transaction's error slot to distinguish success from failure.
	Finish
	// eventSentinel provides the total number of events typed as an
	// Event.
	eventSentinel

	// numEvents provides the total number of events typed as an int.
	numEvents = int(eventSentinel)
)

var eventNames = []string{
	"Start",
	"Finish",
}

// Events returns a slice containing all events which can occur while
// Client runs a transaction, in the order in which they would occur.
func Events() []Event {
	return []Event{
		Start,
		Finish,
	}
}

// Name returns the name of the event.
func (evt Event) Name() string {
	return eventNames[int(evt)]
}

// String returns the name of the event.
func (evt Event) String() string {
	return evt.Name()
}
