// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package rfm69

import "sync"

// queue is the bounded FIFO of received packets. It is the only structure
// shared between the receive service (possibly a worker goroutine) and the
// consumer calling PopOne, so it carries its own lock.
//
// push never fails: when the queue is full the oldest packet is evicted to
// admit the new one, keeping the most recent traffic, which is what a live
// telemetry feed wants. Setting rejectNewest inverts the policy and drops
// the incoming packet instead.
type queue struct {
	mu         sync.Mutex
	pkts       []*Packet
	capacity   int
	rejectNew  bool
	dropped    uint64
}

func newQueue(capacity int, rejectNewest bool) *queue {
	return &queue{capacity: capacity, rejectNew: rejectNewest}
}

func (q *queue) push(p *Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pkts) >= q.capacity {
		q.dropped++
		if q.rejectNew {
			return
		}
		q.pkts = q.pkts[1:]
	}
	q.pkts = append(q.pkts, p)
}

// popOne removes and returns the oldest packet, or nil when the queue is
// empty. It never blocks.
func (q *queue) popOne() *Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pkts) == 0 {
		return nil
	}
	p := q.pkts[0]
	q.pkts = q.pkts[1:]
	return p
}

// popAll drains the whole queue in FIFO order.
func (q *queue) popAll() []*Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	pkts := q.pkts
	q.pkts = nil
	return pkts
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pkts)
}

func (q *queue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
