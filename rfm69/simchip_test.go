// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package rfm69

import (
	"sync"
)

// simChip is an in-memory SX1231 register file behind the bus interface,
// detailed enough for the driver to initialize, transmit and receive
// against it. Mode changes complete synchronously: mode-ready asserts as
// soon as the mode is written, and packet-sent as soon as transmit mode is
// entered.
type simChip struct {
	mu   sync.Mutex
	regs [0x80]byte

	rxFifo []byte   // bytes the driver will pop from the FIFO
	txBuf  []byte   // bytes written to the FIFO since last transmit
	sent   [][]byte // frames "transmitted"

	// reply, when non-nil, is called with each transmitted frame; a
	// non-nil return is delivered as a received frame the next time the
	// driver enters receive mode.
	reply   func(frame []byte) []byte
	pending []byte

	stuckMode bool // never assert mode-ready
	noCrc     bool // deliver frames with the CRC-ok flag clear
	closed    bool
}

func newSimChip() *simChip {
	s := &simChip{}
	s.regs[REG_VERSION] = 0x24
	s.regs[REG_RSSIVALUE] = 0xD0 // -104 dBm, idle channel
	return s
}

func (s *simChip) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := w[0] & 0x7F
	if w[0]&0x80 != 0 {
		s.write(addr, w[1:])
	} else {
		s.read(addr, r[1:])
	}
	return nil
}

func (s *simChip) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *simChip) write(addr byte, data []byte) {
	if addr == REG_FIFO {
		s.txBuf = append(s.txBuf, data...)
		return
	}
	for i, b := range data {
		s.writeOne(addr+byte(i), b)
	}
}

func (s *simChip) writeOne(addr, b byte) {
	switch addr {
	case REG_OPMODE:
		s.regs[addr] = b
		if s.stuckMode {
			s.regs[REG_IRQFLAGS1] &^= byte(IRQ1_MODEREADY)
			return
		}
		s.regs[REG_IRQFLAGS1] |= IRQ1_MODEREADY
		switch Mode(b & 0x1C) {
		case ModeTransmit:
			frame := s.txBuf
			s.txBuf = nil
			s.sent = append(s.sent, frame)
			s.regs[REG_IRQFLAGS2] |= IRQ2_PACKETSENT
			if s.reply != nil {
				s.pending = s.reply(frame)
			}
		case ModeReceive:
			s.regs[REG_IRQFLAGS2] &^= byte(IRQ2_PACKETSENT)
			if s.pending != nil {
				s.inject(s.pending)
				s.pending = nil
			}
		}
	case REG_IRQFLAGS2:
		if b&IRQ2_FIFOOVERRUN != 0 {
			s.rxFifo = nil
			s.txBuf = nil
			s.regs[REG_IRQFLAGS2] &^= byte(IRQ2_PAYLOADREADY | IRQ2_CRCOK)
		}
	case REG_PACKETCONFIG2:
		if b&PACKET2_RXRESTART != 0 {
			s.rxFifo = nil
			s.regs[REG_IRQFLAGS2] &^= byte(IRQ2_PAYLOADREADY | IRQ2_CRCOK)
		}
		s.regs[addr] = b &^ byte(PACKET2_RXRESTART)
	case REG_RSSICONFIG:
		if b&RSSI_START != 0 {
			s.regs[addr] = RSSI_DONE
		}
	case REG_TEMP1:
		if b&TEMP1_MEAS_START != 0 {
			// measurement completes immediately; Temp2 holds the raw value
			s.regs[REG_TEMP1] &^= byte(TEMP1_MEAS_RUNNING)
		}
	case REG_OSC1:
		s.regs[addr] = OSC1_RCCAL_DONE
	default:
		s.regs[addr] = b
	}
}

func (s *simChip) read(addr byte, out []byte) {
	for i := range out {
		a := addr + byte(i)
		if addr == REG_FIFO {
			a = REG_FIFO
		}
		if a == REG_FIFO {
			if len(s.rxFifo) > 0 {
				out[i] = s.rxFifo[0]
				s.rxFifo = s.rxFifo[1:]
				if len(s.rxFifo) == 0 {
					s.regs[REG_IRQFLAGS2] &^= byte(IRQ2_PAYLOADREADY | IRQ2_CRCOK)
				}
			}
			continue
		}
		out[i] = s.regs[a]
	}
}

// inject loads a frame into the receive FIFO and raises payload-ready, as
// if it had just arrived over the air. Caller holds s.mu.
func (s *simChip) inject(frame []byte) {
	s.rxFifo = append([]byte{}, frame...)
	s.regs[REG_IRQFLAGS2] |= IRQ2_PAYLOADREADY
	if !s.noCrc {
		s.regs[REG_IRQFLAGS2] |= IRQ2_CRCOK
	}
}

// injectFrame is the test entry point for delivering a frame.
func (s *simChip) injectFrame(target, sender, ctl byte, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inject(encodeFrame(target, sender, ctl, payload))
}

// injectRaw delivers arbitrary FIFO bytes, length byte first.
func (s *simChip) injectRaw(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inject(raw)
}

func (s *simChip) sentFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *simChip) setReg(addr, v byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[addr] = v
}

func (s *simChip) reg(addr byte) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[addr]
}

// newTestRadio builds a radio on a fresh simulated chip with the standard
// test identity: node 1 in network 100 at 433MHz / 55555bps.
func newTestRadio(t interface {
	Helper()
	Fatalf(format string, args ...interface{})
}, cfg Config) (*Radio, *simChip) {
	t.Helper()
	sim := newSimChip()
	if cfg.Freq == 0 {
		cfg.Freq = 433
	}
	if cfg.Rate == 0 {
		cfg.Rate = 55555
	}
	if cfg.NodeID == 0 {
		cfg.NodeID = 1
	}
	if cfg.NetworkID == 0 {
		cfg.NetworkID = 100
	}
	r, err := New(sim, nil, cfg)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	return r, sim
}
