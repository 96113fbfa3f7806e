// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package rfm69

import (
	"fmt"
	"time"

	"github.com/openenergymonitor/rpi-rfm69/spibus"
)

// sendBudget bounds the wait for the packet-sent flag after keying up. A
// full 66-byte frame at the slowest supported rate is well under this.
const sendBudget = 500 * time.Millisecond

// StartListening puts the radio into receive mode and, when an interrupt
// pin was given, starts the worker goroutine servicing payload-ready
// events. Without a pin the radio still receives; the application has to
// call ReceivePoll periodically to drain the FIFO.
func (r *Radio) StartListening() error {
	r.mu.Lock()
	if err := r.beginReceiveLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	startWorker := r.intr != nil && !r.workerOn
	if startWorker {
		r.workerOn = true
	}
	r.mu.Unlock()

	if startWorker {
		if err := r.intr.In(spibus.RisingEdge); err != nil {
			r.mu.Lock()
			r.workerOn = false
			r.mu.Unlock()
			return fmt.Errorf("rfm69: cannot watch interrupt pin: %w", err)
		}
		go r.worker()
	}
	return nil
}

// beginReceiveLocked arms the receiver. If a stale payload is sitting in
// the FIFO the chip will not restart RX, so it is kicked explicitly first.
// The caller must hold r.mu.
func (r *Radio) beginReceiveLocked() error {
	if r.readReg(REG_IRQFLAGS2)&IRQ2_PAYLOADREADY != 0 {
		pc2 := r.readReg(REG_PACKETCONFIG2)
		r.writeReg(REG_PACKETCONFIG2, pc2&0xFB|PACKET2_RXRESTART)
	}
	r.writeReg(REG_DIOMAPPING1, DIO0_PAYREADY)
	return r.setModeLocked(ModeReceive)
}

// worker converts interrupt pin edges into receive servicing. It never
// touches the bus from the edge callback path itself; all register I/O
// happens under the radio lock in serviceReceive.
func (r *Radio) worker() {
	defer func() {
		r.mu.Lock()
		r.workerOn = false
		r.mu.Unlock()
	}()
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		// The timeout re-checks the level so a missed edge (pin already
		// high when In() was called) cannot wedge reception.
		if r.intr.WaitForEdge(time.Second) || r.intr.Read() == spibus.High {
			if err := r.ReceivePoll(); err != nil {
				r.log("receive worker exiting: %s", err)
				return
			}
		}
	}
}

// ReceivePoll services a pending received packet, if any. It is the
// polling entry point for setups without an interrupt pin and is also what
// the worker goroutine calls on each pin edge. Spurious calls are cheap:
// one flag read and return.
func (r *Radio) ReceivePoll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serviceReceiveLocked()
}

// rxFaultLimit is the number of consecutive bus faults tolerated by the
// receive service before the radio is declared dead.
const rxFaultLimit = 3

// serviceReceiveLocked services one pending packet, absorbing transient
// bus faults: a fault mid-assembly abandons that one packet, flushes the
// partial frame and re-arms the receiver, so a glitch on the wire cannot
// take down the listening state machine. Only rxFaultLimit consecutive
// faults (or a failed re-arm) make the error persistent. The caller must
// hold r.mu.
func (r *Radio) serviceReceiveLocked() error {
	if r.err != nil {
		return r.err
	}
	err := r.receiveOneLocked()
	if err == nil {
		r.rxFaults = 0
		return nil
	}
	r.rxFaults++
	if r.rxFaults >= rxFaultLimit {
		return err
	}
	r.err = nil
	r.log("dropping packet, receive fault: %s", err)
	r.writeReg(REG_IRQFLAGS2, IRQ2_FIFOOVERRUN) // flush the partial frame
	if rerr := r.beginReceiveLocked(); rerr != nil {
		return rerr
	}
	return nil
}

// receiveOneLocked drains one packet from the FIFO. The chip is parked
// in standby while the FIFO is read so a second frame cannot arrive
// mid-drain, then receive is restarted. The caller must hold r.mu.
func (r *Radio) receiveOneLocked() error {
	flags := r.readReg(REG_IRQFLAGS2)
	if r.err != nil {
		return r.err
	}
	if flags&IRQ2_PAYLOADREADY == 0 {
		return nil // spurious wakeup
	}
	crcOk := flags&IRQ2_CRCOK != 0
	rssi := -int(r.readReg(REG_RSSIVALUE)) / 2

	if err := r.setModeLocked(ModeStandby); err != nil {
		return err
	}

	hdr := r.readBurst(REG_FIFO, 3)
	if r.err != nil {
		return r.err
	}
	length, target, sender := int(hdr[0]), hdr[1], hdr[2]
	if length > maxFrameLen {
		length = maxFrameLen
	}
	dataLen := length - 3
	if dataLen < 0 {
		// Runt frame, noise decoded as a sync match. Drop it.
		r.log("runt frame, length byte %d", length)
		return r.beginReceiveLocked()
	}
	ctl := r.readReg(REG_FIFO)
	var payload []byte
	if dataLen > 0 {
		payload = r.readBurst(REG_FIFO, dataLen)
	}
	if r.err != nil {
		return r.err
	}

	if !r.promisc && target != r.node && target != BroadcastAddr {
		// Addressed to someone else; software filtering because the
		// hardware filter is off to allow promiscuous operation.
		return r.beginReceiveLocked()
	}

	p := &Packet{
		Sender:       sender,
		Target:       target,
		Payload:      payload,
		Rssi:         rssi,
		AckRequested: ctl&ctlAckRequest != 0,
		AckReceived:  ctl&ctlAckReply != 0,
		CrcOk:        crcOk,
		At:           time.Now(),
	}

	if p.AckReceived {
		// Acknowledgement for an in-flight Send; hand it to the ack
		// table, not the packet queue.
		r.ackMu.Lock()
		r.acks[sender] = true
		r.ackMu.Unlock()
		r.log("ack from %d (%ddBm)", sender, rssi)
		return r.beginReceiveLocked()
	}

	r.rxq.push(p)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	r.log("got %s", p)

	if p.AckRequested && r.autoAck && target == r.node {
		// Acknowledge before re-arming the receiver so the sender's
		// retry window is not wasted.
		if err := r.transmitLocked(sender, ctlAckReply, nil); err != nil {
			r.log("auto-ack to %d failed: %s", sender, err)
		}
	}
	return r.beginReceiveLocked()
}

// transmitLocked keys up and pushes one frame out, waiting for the
// packet-sent flag before returning the radio to receive (when it was
// listening) or standby. The caller must hold r.mu.
func (r *Radio) transmitLocked(target, ctl byte, payload []byte) error {
	if !r.configured() {
		return ErrNotConfigured
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLong, len(payload), MaxPayload)
	}
	wasListening := r.mode == ModeReceive

	// Listen-before-talk: wait for the channel to clear. Acks skip this,
	// the sender is waiting and its transmitter is off anyway.
	if ctl&ctlAckReply == 0 && wasListening {
		for start := time.Now(); time.Since(start) < csmaBudget; {
			if r.readRSSILocked(false) < csmaLimit || r.err != nil {
				break
			}
			if err := r.beginReceiveLocked(); err != nil {
				return err
			}
		}
	}

	if err := r.setModeLocked(ModeStandby); err != nil {
		return err
	}
	r.writeReg(REG_DIOMAPPING1, DIO0_PKTSENT)
	r.writeReg(REG_FIFO, encodeFrame(target, r.node, ctl, payload)...)
	if err := r.setModeLocked(ModeTransmit); err != nil {
		return err
	}

	sendErr := r.waitPacketSentLocked()

	// Re-arm the receiver; when an ack was requested the reply is coming
	// whether or not we were listening before.
	if wasListening || ctl&ctlAckRequest != 0 {
		if err := r.beginReceiveLocked(); err != nil && sendErr == nil {
			sendErr = err
		}
	} else if err := r.setModeLocked(ModeStandby); err != nil && sendErr == nil {
		sendErr = err
	}
	return sendErr
}

// waitPacketSentLocked polls for the packet-sent flag after keying up.
// The caller must hold r.mu.
func (r *Radio) waitPacketSentLocked() error {
	for start := time.Now(); time.Since(start) < sendBudget; {
		if r.err != nil {
			return r.err
		}
		if r.readReg(REG_IRQFLAGS2)&IRQ2_PACKETSENT != 0 {
			return nil
		}
	}
	return ErrSendTimeout
}

// Send transmits a payload to the given node. With requireAck the radio
// listens for an acknowledgement after each attempt and retries up to the
// configured count, returning whether an ack arrived; ErrAckTimeout when
// the budget is exhausted. Without requireAck a single transmission is
// made and (true, nil) means the frame left the antenna.
//
// Send blocks for up to retries*(send+ackWait); run it from its own
// goroutine when that matters. Reception keeps being serviced while Send
// waits for the ack.
func (r *Radio) Send(to byte, payload []byte, requireAck bool) (bool, error) {
	if to == BroadcastAddr && requireAck {
		return false, fmt.Errorf("rfm69: cannot request an ack from the broadcast address")
	}
	var ctl byte
	if requireAck {
		ctl = ctlAckRequest
	}

	attempts := 1
	if requireAck {
		attempts = r.retries
	}
	for n := 0; n < attempts; n++ {
		r.mu.Lock()
		if requireAck {
			r.ackMu.Lock()
			delete(r.acks, to)
			r.ackMu.Unlock()
		}
		err := r.transmitLocked(to, ctl, payload)
		hasWorker := r.workerOn
		r.mu.Unlock()
		if err != nil {
			return false, err
		}
		if !requireAck {
			return true, nil
		}
		if r.waitAck(to, hasWorker) {
			return true, nil
		}
	}
	return false, ErrAckTimeout
}

// waitAck waits up to the per-attempt ack budget for an acknowledgement
// from the given node. Without a worker goroutine it polls reception
// itself so acks still arrive.
func (r *Radio) waitAck(from byte, hasWorker bool) bool {
	deadline := time.Now().Add(r.ackWait)
	for time.Now().Before(deadline) {
		if !hasWorker {
			if err := r.ReceivePoll(); err != nil {
				return false
			}
		}
		r.ackMu.Lock()
		got := r.acks[from]
		if got {
			delete(r.acks, from)
		}
		r.ackMu.Unlock()
		if got {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// Broadcast transmits a payload to every node in the group. Broadcasts are
// never acknowledged.
func (r *Radio) Broadcast(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transmitLocked(BroadcastAddr, 0, payload)
}

// PopOne returns the oldest queued packet, or nil when none is pending.
// Exactly one packet is removed per call; it never blocks.
func (r *Radio) PopOne() *Packet {
	return r.rxq.popOne()
}

// PopAll drains the queue, returning the packets oldest first.
func (r *Radio) PopAll() []*Packet {
	return r.rxq.popAll()
}

// Pending returns the number of queued packets.
func (r *Radio) Pending() int {
	return r.rxq.len()
}

// Dropped returns the number of packets lost to queue overflow since the
// radio was created.
func (r *Radio) Dropped() uint64 {
	return r.rxq.droppedCount()
}

// Packets returns a channel that receives a token whenever a packet is
// queued, so a consumer can select on it instead of polling PopOne. The
// channel is never closed and tokens may be coalesced; drain with PopOne
// until it returns nil.
func (r *Radio) Packets() <-chan struct{} {
	return r.wake
}
