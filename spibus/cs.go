// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package spibus

import "sync"

// ManualCS wraps a Conn so that an arbitrary GPIO pin is used as the chip
// select line instead of the kernel-driven CE0/CE1. Prototype hats wire the
// radio's NSS to a plain GPIO, in which case the SPI device must be opened
// with its native chip select left unconnected and the select pin passed
// here. The pin is chosen once at construction and cannot be changed.
//
// The select line is asserted (driven low) for the duration of each
// transfer and released on every exit path, including transfer errors.
func ManualCS(c Conn, cs Pin) (Conn, error) {
	// Idle high before the first transaction.
	if err := cs.Out(High); err != nil {
		return nil, &BusError{"chip-select " + cs.Name(), err}
	}
	return &manualCS{c: c, cs: cs}, nil
}

type manualCS struct {
	c  Conn
	cs Pin
}

func (m *manualCS) Tx(w, r []byte) error {
	if err := m.cs.Out(Low); err != nil {
		return &BusError{"chip-select " + m.cs.Name(), err}
	}
	defer m.cs.Out(High)
	return m.c.Tx(w, r)
}

func (m *manualCS) Close() error {
	m.cs.Out(High)
	return m.c.Close()
}

// MuxCS returns two connections multiplexing the provided Conn across two
// devices sharing a single chip select line. An external demux (e.g. a
// 74LVC1G19 with the SPI CS on E and sel on A) routes the select to one of
// the two radios; the first returned Conn drives sel low, the second high.
// A transfer on either connection sets the demux first, so the two may be
// used from different goroutines.
//
// The speed and mode of the underlying port are shared between the two
// devices.
func MuxCS(c Conn, sel Pin) (Conn, Conn) {
	mu := &sync.Mutex{}
	return &muxCS{mu: mu, c: c, sel: sel, val: Low},
		&muxCS{mu: mu, c: c, sel: sel, val: High}
}

type muxCS struct {
	mu  *sync.Mutex // serializes the shared bus across both devices
	c   Conn
	sel Pin
	val Level
}

func (m *muxCS) Tx(w, r []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sel.Out(m.val); err != nil {
		return &BusError{"mux-select " + m.sel.Name(), err}
	}
	return m.c.Tx(w, r)
}

// Close is a no-op so that closing one muxed device does not break the
// other; the caller owns the underlying Conn.
func (m *muxCS) Close() error { return nil }
