// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package reactor

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gogama/evhttp/internal/debuglog"
)

// A TimerID is the unique handle of a live timer within one Reactor.
// Treat it as opaque; its only uses are Again, RemoveTimer, and
// comparison against the zero value.
type TimerID string

// defaultWait bounds the multiplexing wait when no timers are
// scheduled, so the loop periodically re-checks the auto-stop
// condition.
const defaultWait = 500 * time.Millisecond

type timer struct {
	cb        func()
	after     time.Duration
	recurring bool
	deadline  time.Time
	seq       uint64
}

type watcher struct {
	cb    func(write bool)
	read  bool
	write bool
}

// A Reactor is a single-threaded event loop over a timer table and a
// descriptor watch table. The zero value is not usable; construct
// instances with New or share the process-wide instance from Default.
//
// A Reactor is not safe for concurrent use. See the package
// documentation for the cooperative scheduling model.
type Reactor struct {
	running  bool
	timers   map[TimerID]*timer
	watchers map[int]*watcher
	seq      uint64
	log      zerolog.Logger
}

// New constructs an empty private Reactor.
func New() *Reactor {
	return &Reactor{
		timers:   make(map[TimerID]*timer),
		watchers: make(map[int]*watcher),
		log:      debuglog.New("reactor"),
	}
}

// IO registers cb as the callback for descriptor fd, replacing any
// callback registered earlier. There is at most one watcher per
// descriptor: registering again never creates a second entry.
//
// IO marks both directions of fd interesting, so cb can be notified
// for either readability (write == false) or writability
// (write == true). Narrow the interest set with Watch. IO returns the
// Reactor for chaining.
func (r *Reactor) IO(fd int, cb func(write bool)) *Reactor {
	w := r.watchers[fd]
	if w == nil {
		w = &watcher{}
		r.watchers[fd] = w
		r.log.Debug().Int("fd", fd).Msg("adding io watcher")
	} else {
		r.log.Debug().Int("fd", fd).Msg("replacing io callback")
	}
	w.cb = cb
	return r.Watch(fd, true, true)
}

// Watch sets the read and write interest flags for descriptor fd,
// independent of IO, and returns the Reactor for chaining. If fd has
// no watcher yet one is created without a callback; readiness for a
// callback-less watcher is not dispatched.
func (r *Reactor) Watch(fd int, read, write bool) *Reactor {
	w := r.watchers[fd]
	if w == nil {
		w = &watcher{}
		r.watchers[fd] = w
	}
	w.read = read
	w.write = write
	return r
}

// Timer schedules cb to run once, after the duration d, and returns
// the unique id of the new timer.
func (r *Reactor) Timer(d time.Duration, cb func()) TimerID {
	return r.schedule(cb, false, d)
}

// Recurring schedules cb to run every d, starting d from now, and
// returns the unique id of the new timer. The next deadline is always
// computed from the instant the timer fired, not from the previous
// deadline, so a recurring timer drifts under load instead of firing
// in catch-up bursts.
func (r *Reactor) Recurring(d time.Duration, cb func()) TimerID {
	return r.schedule(cb, true, d)
}

// schedule inserts a timer under a fresh id. Ids are generated and
// re-generated until one does not collide with a live timer, keeping
// "unique among live timers" an explicit invariant rather than a
// probabilistic one.
func (r *Reactor) schedule(cb func(), recurring bool, d time.Duration) TimerID {
	var id TimerID
	for {
		id = TimerID(uuid.NewString())
		if _, exists := r.timers[id]; !exists {
			break
		}
	}
	r.seq++
	r.timers[id] = &timer{
		cb:        cb,
		after:     d,
		recurring: recurring,
		deadline:  time.Now().Add(d),
		seq:       r.seq,
	}
	r.log.Debug().Str("timer", string(id)).Dur("after", d).Bool("recurring", recurring).Msg("adding timer")
	return id
}

// Again restarts the timer id: its deadline becomes now plus its
// original delay. Again works uniformly for one-shot and recurring
// timers and never changes the delay itself. It reports whether the
// timer was found.
func (r *Reactor) Again(id TimerID) bool {
	t, ok := r.timers[id]
	if !ok {
		return false
	}
	t.deadline = time.Now().Add(t.after)
	return true
}

// RemoveTimer deletes the timer id and reports whether it was found.
// Removing an absent timer is a no-op, never an error.
func (r *Reactor) RemoveTimer(id TimerID) bool {
	if _, ok := r.timers[id]; !ok {
		return false
	}
	delete(r.timers, id)
	r.log.Debug().Str("timer", string(id)).Msg("removing timer")
	return true
}

// RemoveFD deletes the watcher for descriptor fd, dropping it from
// both interest sets, and reports whether it was found. Removing an
// absent descriptor is a no-op, never an error.
func (r *Reactor) RemoveFD(fd int) bool {
	if _, ok := r.watchers[fd]; !ok {
		return false
	}
	delete(r.watchers, fd)
	r.log.Debug().Int("fd", fd).Msg("removing io watcher")
	return true
}

// Reset clears all timers and watchers unconditionally.
func (r *Reactor) Reset() {
	r.timers = make(map[TimerID]*timer)
	r.watchers = make(map[int]*watcher)
}

// IsRunning reports whether the reactor loop is running.
func (r *Reactor) IsRunning() bool {
	return r.running
}

// Start runs the loop: OneTick is called repeatedly until Stop is
// called or the reactor auto-stops because both tables are empty.
func (r *Reactor) Start() {
	r.running = true
	for r.running {
		r.OneTick()
	}
}

// Stop tells the loop to stop after the current tick. It is safe to
// call from inside a callback.
func (r *Reactor) Stop() {
	r.running = false
}

// OneTick waits for, and dispatches, one batch of events. It only
// returns after at least one descriptor or timer callback was
// dispatched, unless the reactor auto-stopped because it had nothing
// left to watch.
//
// Within one call, every descriptor found ready by the same
// multiplexing wait is dispatched before any due timer, and a
// descriptor that is simultaneously readable (or exceptional) and
// writable is dispatched on its read path only. Due timers are
// dispatched in ascending deadline order, ties broken by scheduling
// order.
//
// A callback invoked from inside OneTick may call Start, Stop, or
// OneTick again without corrupting the outer call: the running flag is
// saved at entry and restored on the way out unless the loop was told
// to stop during this very call.
func (r *Reactor) OneTick() {
	// Remember state for later.
	running := r.running
	r.running = true

	// Wait for one event.
	dispatched := 0
	for dispatched == 0 {
		// Stop automatically if there is nothing to watch.
		if len(r.timers) == 0 && len(r.watchers) == 0 {
			r.Stop()
			return
		}

		// Calculate ideal wait bound based on timers.
		wait := defaultWait
		if d, ok := r.nextDeadline(); ok {
			wait = time.Until(d)
			if wait < 0 {
				wait = 0
			}
		}

		// I/O, or plain sleep if nothing is watched.
		if len(r.watchers) > 0 {
			dispatched += r.poll(wait)
		} else if wait > 0 {
			time.Sleep(wait)
		}

		// Timers. One clock reading is used for the whole scan so
		// time does not advance in between timers.
		now := time.Now()
		for _, id := range r.due(now) {
			t, ok := r.timers[id]
			if !ok || t.deadline.After(now) {
				// Removed or rescheduled by an earlier callback in
				// this same pass.
				continue
			}
			if t.recurring {
				t.deadline = now.Add(t.after)
			} else {
				// One-shot timers leave the table before their
				// callback runs, so a callback that re-registers
				// itself or calls RemoveTimer cannot race the loop's
				// own bookkeeping.
				delete(r.timers, id)
			}
			dispatched++
			if t.cb != nil {
				r.log.Debug().Str("timer", string(id)).Msg("alarm")
				t.cb()
			}
		}
	}

	// Restore state if necessary.
	if r.running {
		r.running = running
	}
}

func (r *Reactor) nextDeadline() (time.Time, bool) {
	var min time.Time
	found := false
	for _, t := range r.timers {
		if !found || t.deadline.Before(min) {
			min = t.deadline
			found = true
		}
	}
	return min, found
}

// due returns the ids of all timers with deadline <= now, ordered by
// ascending deadline with ties broken by scheduling order.
func (r *Reactor) due(now time.Time) []TimerID {
	type entry struct {
		id       TimerID
		deadline time.Time
		seq      uint64
	}
	var entries []entry
	for id, t := range r.timers {
		if !t.deadline.After(now) {
			entries = append(entries, entry{id, t.deadline, t.seq})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].deadline.Equal(entries[j].deadline) {
			return entries[i].deadline.Before(entries[j].deadline)
		}
		return entries[i].seq < entries[j].seq
	})
	ids := make([]TimerID, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}
