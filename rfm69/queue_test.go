// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package rfm69

import "testing"

func TestQueueFifoOrder(t *testing.T) {
	q := newQueue(4, false)
	for i := byte(1); i <= 3; i++ {
		q.push(&Packet{Sender: i})
	}
	for i := byte(1); i <= 3; i++ {
		p := q.popOne()
		if p == nil || p.Sender != i {
			t.Fatalf("pop %d: got %v", i, p)
		}
	}
	if p := q.popOne(); p != nil {
		t.Fatalf("expected empty queue, got %v", p)
	}
}

func TestQueuePopOneRemovesExactlyOne(t *testing.T) {
	q := newQueue(4, false)
	q.push(&Packet{Sender: 1})
	q.push(&Packet{Sender: 2})
	if p := q.popOne(); p.Sender != 1 {
		t.Fatalf("got sender %d, want 1", p.Sender)
	}
	if n := q.len(); n != 1 {
		t.Fatalf("queue length %d after one pop, want 1", n)
	}
}

func TestQueueOverflowEvictsOldest(t *testing.T) {
	q := newQueue(2, false)
	q.push(&Packet{Sender: 1})
	q.push(&Packet{Sender: 2})
	q.push(&Packet{Sender: 3})
	if n := q.len(); n != 2 {
		t.Fatalf("queue length %d, want 2", n)
	}
	if p := q.popOne(); p.Sender != 2 {
		t.Fatalf("oldest survivor is %d, want 2", p.Sender)
	}
	if p := q.popOne(); p.Sender != 3 {
		t.Fatalf("newest is %d, want 3", p.Sender)
	}
	if d := q.droppedCount(); d != 1 {
		t.Fatalf("dropped %d, want 1", d)
	}
}

func TestQueueOverflowRejectNewest(t *testing.T) {
	q := newQueue(2, true)
	q.push(&Packet{Sender: 1})
	q.push(&Packet{Sender: 2})
	q.push(&Packet{Sender: 3})
	if p := q.popOne(); p.Sender != 1 {
		t.Fatalf("oldest is %d, want 1", p.Sender)
	}
	if p := q.popOne(); p.Sender != 2 {
		t.Fatalf("second is %d, want 2", p.Sender)
	}
	if d := q.droppedCount(); d != 1 {
		t.Fatalf("dropped %d, want 1", d)
	}
}

func TestQueuePopAll(t *testing.T) {
	q := newQueue(8, false)
	for i := byte(1); i <= 5; i++ {
		q.push(&Packet{Sender: i})
	}
	pkts := q.popAll()
	if len(pkts) != 5 {
		t.Fatalf("popAll returned %d packets, want 5", len(pkts))
	}
	for i, p := range pkts {
		if p.Sender != byte(i+1) {
			t.Fatalf("packet %d from sender %d, want %d", i, p.Sender, i+1)
		}
	}
	if q.len() != 0 {
		t.Fatalf("queue not empty after popAll")
	}
}
