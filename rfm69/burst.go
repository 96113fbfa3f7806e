// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package rfm69

import (
	"fmt"
	"time"
)

// Burst wake-up settings. Duty-cycled nodes periodically wake and listen
// on a dedicated channel one frequency step above the normal one, with
// its own sync word, whitening and a high bit rate. A burst repeats the
// frame for a full sleep cycle so the target is guaranteed to catch one;
// each copy carries a countdown telling the receiver how long until the
// burst ends.
const (
	burstSync     = 0x5A
	burstOverhead = 4 // target, sender and the 16-bit countdown

	// 200kbps with 100kHz deviation, the LowPowerLab listen-mode channel.
	burstBitrateMsb = 0x00
	burstBitrateLsb = 0xA0
	burstFdevMsb    = 0x06
	burstFdevLsb    = 0x66
)

// burstRegs are the registers a burst clobbers, in restore order. The
// frequency MSB must be rewritten before the LSB: the synthesizer only
// latches a new frequency on the LSB write.
var burstRegs = []byte{
	REG_PACKETCONFIG1,
	REG_PACKETCONFIG2,
	REG_SYNCVALUE1,
	REG_SYNCVALUE2,
	REG_BITRATEMSB,
	REG_BITRATELSB,
	REG_FDEVMSB,
	REG_FDEVLSB,
	REG_FRFMSB,
	REG_FRFLSB,
}

// SendBurst transmits a payload to a node sleeping in listen mode,
// repeating the frame on the wake channel for one full listen cycle plus
// a countdown header so the receiver knows when the burst ends. The call
// blocks for the whole cycle; the radio returns to its previous RF
// settings (and to receive, if it was listening) afterwards.
//
// cycle must match the sleep interval programmed into the target node.
func (r *Radio) SendBurst(to byte, payload []byte, cycle time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.configured() {
		return ErrNotConfigured
	}
	if len(payload) > MaxPayload-1 {
		return fmt.Errorf("%w: %d bytes, max %d in a burst", ErrPayloadTooLong, len(payload), MaxPayload-1)
	}
	wasListening := r.mode == ModeReceive
	if err := r.setModeLocked(ModeStandby); err != nil {
		return err
	}

	saved := make([]byte, len(burstRegs))
	for i, reg := range burstRegs {
		saved[i] = r.cache[reg]
	}

	// Wake channel: whitening instead of manchester, no AES, the burst
	// sync word, high speed, and one frequency step up. The LSB write is
	// what makes the frequency change take effect.
	r.writeReg(REG_PACKETCONFIG1, 0xD0) // variable length, whitening, CRC on
	r.writeReg(REG_PACKETCONFIG2, 0x02) // auto RX restart, AES off
	r.writeReg(REG_SYNCVALUE1, burstSync)
	r.writeReg(REG_SYNCVALUE2, burstSync)
	r.writeReg(REG_BITRATEMSB, burstBitrateMsb, burstBitrateLsb)
	r.writeReg(REG_FDEVMSB, burstFdevMsb, burstFdevLsb)
	r.writeReg(REG_FRFMSB, saved[len(saved)-2]+1)
	r.writeReg(REG_FRFLSB, saved[len(saved)-1])

	frame := make([]byte, len(payload)+burstOverhead+1)
	frame[0] = byte(len(payload) + burstOverhead)
	frame[1] = to
	frame[2] = r.node
	copy(frame[5:], payload)

	var sendErr error
	start := time.Now()
	for {
		ms := int((cycle - time.Since(start)) / time.Millisecond)
		if ms <= 0 {
			break
		}
		frame[3] = byte(ms)
		frame[4] = byte(ms >> 8)
		r.writeReg(REG_FIFO, frame...)
		if sendErr = r.setModeLocked(ModeTransmit); sendErr != nil {
			break
		}
		if sendErr = r.waitPacketSentLocked(); sendErr != nil {
			break
		}
		if sendErr = r.setModeLocked(ModeStandby); sendErr != nil {
			break
		}
	}
	r.setModeLocked(ModeStandby)

	for i, reg := range burstRegs {
		r.writeReg(reg, saved[i])
	}
	r.log("burst to %d done (%s)", to, time.Since(start))

	if wasListening {
		if err := r.beginReceiveLocked(); err != nil && sendErr == nil {
			sendErr = err
		}
	}
	if sendErr == nil {
		sendErr = r.err
	}
	return sendErr
}
