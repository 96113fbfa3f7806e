// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package rfm69

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openenergymonitor/rpi-rfm69/spibus"
)

var errFlaky = errors.New("EIO")

// faultConn wraps the simulated chip and injects bus failures: either on
// the next n FIFO transfers, or on every transfer.
type faultConn struct {
	*simChip
	fmu      sync.Mutex
	failFifo int
	failAll  bool
}

func (c *faultConn) Tx(w, r []byte) error {
	c.fmu.Lock()
	fail := c.failAll
	if !fail && w[0]&0x7F == REG_FIFO && c.failFifo > 0 {
		c.failFifo--
		fail = true
	}
	c.fmu.Unlock()
	if fail {
		return &spibus.BusError{Op: "tx", Err: errFlaky}
	}
	return c.simChip.Tx(w, r)
}

func (c *faultConn) setFailFifo(n int) {
	c.fmu.Lock()
	c.failFifo = n
	c.fmu.Unlock()
}

func (c *faultConn) setFailAll(v bool) {
	c.fmu.Lock()
	c.failAll = v
	c.fmu.Unlock()
}

// stubPin reports a permanently asserted interrupt line.
type stubPin struct{}

func (stubPin) In(spibus.Edge) error           { return nil }
func (stubPin) Read() spibus.Level             { return spibus.High }
func (stubPin) WaitForEdge(time.Duration) bool { return true }
func (stubPin) Out(spibus.Level) error         { return nil }
func (stubPin) Name() string                   { return "STUBPIN" }

func newFaultRadio(t *testing.T, intr spibus.Pin) (*Radio, *faultConn) {
	t.Helper()
	fc := &faultConn{simChip: newSimChip()}
	r, err := New(fc, intr, Config{Freq: 433, Rate: 55555, NodeID: 1, NetworkID: 100})
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	return r, fc
}

func TestReceiveSurvivesBusFault(t *testing.T) {
	r, fc := newFaultRadio(t, nil)
	if err := r.StartListening(); err != nil {
		t.Fatalf("StartListening: %s", err)
	}

	// A glitch while draining the FIFO costs that one packet, nothing more.
	fc.injectFrame(1, 9, 0, []byte("lost"))
	fc.setFailFifo(1)
	if err := r.ReceivePoll(); err != nil {
		t.Fatalf("ReceivePoll after fault: %s", err)
	}
	if err := r.Error(); err != nil {
		t.Fatalf("radio declared dead after one fault: %s", err)
	}
	if n := r.Pending(); n != 0 {
		t.Fatalf("%d packets queued, want 0", n)
	}
	if got := r.Mode(); got != ModeReceive {
		t.Fatalf("mode after fault: %s, want receive", got)
	}

	fc.injectFrame(1, 9, 0, []byte("ok"))
	if err := r.ReceivePoll(); err != nil {
		t.Fatalf("ReceivePoll: %s", err)
	}
	p := r.PopOne()
	if p == nil || string(p.Payload) != "ok" {
		t.Fatalf("got %v, want packet \"ok\"", p)
	}
}

func TestRepeatedBusFaultsFatal(t *testing.T) {
	r, fc := newFaultRadio(t, nil)
	if err := r.StartListening(); err != nil {
		t.Fatalf("StartListening: %s", err)
	}

	fc.setFailAll(true)
	var err error
	for n := 0; n < rxFaultLimit && err == nil; n++ {
		err = r.ReceivePoll()
	}
	if err == nil {
		t.Fatal("dead bus never surfaced as an error")
	}
	if !errors.Is(err, errFlaky) {
		t.Fatalf("got %v, want the bus error", err)
	}
	if r.Error() == nil {
		t.Fatal("persistent error not recorded")
	}
}

func TestWorkerStopsOnPersistentFault(t *testing.T) {
	r, fc := newFaultRadio(t, stubPin{})
	if err := r.StartListening(); err != nil {
		t.Fatalf("StartListening: %s", err)
	}
	fc.setFailAll(true)

	// The worker must give up on a dead bus and clear its running flag so
	// a fresh StartListening could spawn a replacement.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		on := r.workerOn
		r.mu.Unlock()
		if !on {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("worker still marked running after a persistent fault")
}
