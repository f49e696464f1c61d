// Package msgbus queues cross-agent messages during a tick and delivers them in
// a single-threaded dispatch step between ticks.
package msgbus

import (
	"fmt"
	"sort"
	"sync"
)

// Addr identifies a message destination (an agent handle).
type Addr uint64

func (a Addr) String() string { return fmt.Sprintf("A%d", uint64(a)) }

// Type names a message kind, e.g. "BID" or "BID_RSP".
type Type string

// Message is immutable once posted. Frame is the tick it was enqueued in.
type Message struct {
	Type    Type
	Src     Addr
	Dst     Addr
	Frame   uint64
	Seq     uint64
	Payload any
}

// Lane is a single-writer queue owned by one worker. It needs no locking
// because only its worker appends to it and dispatch only reads it while the
// worker is parked at the barrier.
type Lane struct {
	msgs []Message
}

func (l *Lane) Post(m Message) { l.msgs = append(l.msgs, m) }

func (l *Lane) Len() int { return len(l.msgs) }

// DispatchStats summarizes one dispatch round.
type DispatchStats struct {
	Delivered int `json:"delivered"`
	Dropped   int `json:"dropped"`
}

// Bus owns one lane per worker plus a locked lane for everyone else
// (the scheduler, handlers running inside dispatch, external callers).
type Bus struct {
	lanes []*Lane

	mu  sync.Mutex
	ext []Message

	batch []Message
}

func New(lanes int) *Bus {
	b := &Bus{lanes: make([]*Lane, lanes)}
	for i := range b.lanes {
		b.lanes[i] = &Lane{}
	}
	return b
}

// Lane returns worker i's lane.
func (b *Bus) Lane(i int) *Lane { return b.lanes[i] }

func (b *Bus) Lanes() int { return len(b.lanes) }

// Post enqueues m on the shared lane. It never waits on delivery.
func (b *Bus) Post(m Message) {
	b.mu.Lock()
	b.ext = append(b.ext, m)
	b.mu.Unlock()
}

// Pending counts queued messages. Only meaningful while no worker is running.
func (b *Bus) Pending() int {
	n := 0
	for _, l := range b.lanes {
		n += len(l.msgs)
	}
	b.mu.Lock()
	n += len(b.ext)
	b.mu.Unlock()
	return n
}

// Dispatch drains every queue and hands each message to deliver exactly once.
// deliver reports false when the destination no longer exists; such messages
// are dropped. Messages are ordered by destination, then source, then the
// source's sequence number, so delivery does not depend on which worker ran
// which sender. Anything posted from inside deliver is queued for the next round.
//
// Dispatch must only be called while all workers are parked.
func (b *Bus) Dispatch(deliver func(Message) bool) DispatchStats {
	batch := b.batch[:0]
	for _, l := range b.lanes {
		batch = append(batch, l.msgs...)
		clear(l.msgs)
		l.msgs = l.msgs[:0]
	}
	b.mu.Lock()
	batch = append(batch, b.ext...)
	clear(b.ext)
	b.ext = b.ext[:0]
	b.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		x, y := batch[i], batch[j]
		if x.Dst != y.Dst {
			return x.Dst < y.Dst
		}
		if x.Src != y.Src {
			return x.Src < y.Src
		}
		return x.Seq < y.Seq
	})

	var st DispatchStats
	for _, m := range batch {
		if deliver(m) {
			st.Delivered++
		} else {
			st.Dropped++
		}
	}
	clear(batch)
	b.batch = batch[:0]
	return st
}

// Reset discards every queued message.
func (b *Bus) Reset() {
	for _, l := range b.lanes {
		clear(l.msgs)
		l.msgs = l.msgs[:0]
	}
	b.mu.Lock()
	clear(b.ext)
	b.ext = b.ext[:0]
	b.mu.Unlock()
}
