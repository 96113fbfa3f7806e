// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package rfm69

import (
	"fmt"
	"time"
)

// LowPowerLab-compatible wire framing. The radio transmits
// [length][target][sender][ctl][payload...] where length counts everything
// after itself (so payload+3) and the CRC is appended and checked by the
// chip. The ctl byte carries the acknowledgement bits.
const (
	// BroadcastAddr is the target id received by every node in the group.
	BroadcastAddr = 255

	// MaxPayload is the largest payload that fits the 66-byte FIFO frame
	// after the length byte and the 3-byte header.
	MaxPayload = 61

	maxFrameLen = 66 // length byte value cap, header included

	ctlAckReply   = 0x80 // frame is an acknowledgement
	ctlAckRequest = 0x40 // sender wants an acknowledgement
)

// Packet is one received frame. It is created when the FIFO is drained and
// immutable afterwards.
type Packet struct {
	Sender       byte      // node id of the transmitter
	Target       byte      // node id the frame was addressed to
	Payload      []byte    // application bytes, 0..MaxPayload
	Rssi         int       // receive signal strength in dBm
	AckRequested bool      // sender asked for an acknowledgement
	AckReceived  bool      // frame is itself an acknowledgement
	CrcOk        bool      // hardware CRC check passed
	At           time.Time // time the frame was serviced
}

func (p *Packet) String() string {
	return fmt.Sprintf("packet %d->%d %ddBm %db", p.Sender, p.Target, p.Rssi, len(p.Payload))
}

// encodeFrame builds the on-air frame for a payload, header included.
// The payload must already be length-checked.
func encodeFrame(target, sender, ctl byte, payload []byte) []byte {
	f := make([]byte, len(payload)+4)
	f[0] = byte(len(payload) + 3)
	f[1] = target
	f[2] = sender
	f[3] = ctl
	copy(f[4:], payload)
	return f
}
