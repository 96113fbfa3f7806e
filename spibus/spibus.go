// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

// Package spibus provides the register-level bus used to talk to an RFM69
// radio module: a full-duplex SPI connection plus the GPIO pins for
// interrupts, reset and chip select.
//
// The package defines small Conn and Pin interfaces so the driver and its
// tests do not depend on real hardware, and implements them on top of
// periph.io. Every transaction failure is surfaced as a *BusError so callers
// can tell a transport fault apart from a protocol-level problem.
package spibus

import (
	"fmt"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

// Conn is a connection to a device on an SPI bus. Tx clocks the bytes of w
// out while filling r, which must be the same length. The first byte of a
// transfer is the register address with the MSB indicating write access;
// the remaining bytes are data, so a burst transfer selects the address
// once and moves N data bytes in order.
//
// Conn is not safe for concurrent use; the radio driver serializes access.
type Conn interface {
	Tx(w, r []byte) error
	Close() error
}

// Pin is a single GPIO line. It follows the shape of periph's PinIO but is
// narrowed to what the radio driver needs, which also keeps it easy to fake
// in tests.
type Pin interface {
	// In configures the pin as an input watching for the given edge.
	In(edge Edge) error
	// Read returns the current level of the pin.
	Read() Level
	// WaitForEdge blocks until the configured edge is seen or the timeout
	// expires, and reports whether an edge was seen.
	WaitForEdge(timeout time.Duration) bool
	// Out configures the pin as an output and drives it to level.
	Out(level Level) error
	// Name returns the platform name of the pin.
	Name() string
}

// Edge selects which signal transitions an input pin reports.
type Edge int

const (
	NoEdge Edge = iota
	RisingEdge
	FallingEdge
)

// Level is the electrical level of a pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// BusError is a transport-level failure: the device did not respond or the
// kernel rejected the transaction. It is fatal to the current call and is
// not retried internally.
type BusError struct {
	Op  string // operation that failed, e.g. "tx" or "chip-select"
	Err error
}

func (e *BusError) Error() string { return fmt.Sprintf("spibus: %s: %v", e.Op, e.Err) }

func (e *BusError) Unwrap() error { return e.Err }

// Init loads the periph host drivers. It must be called once before Open or
// OpenPin and is safe to call multiple times.
func Init() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("spibus: host init: %w", err)
	}
	return nil
}

// Open opens the named SPI port (e.g. "/dev/spidev0.0", or "" for the first
// available port) and connects at the given speed in SPI mode 0 with 8-bit
// words, which is what the sx1231 chip on RFM69 modules expects.
func Open(name string, speed physic.Frequency) (Conn, error) {
	if speed == 0 {
		speed = 4 * physic.MegaHertz
	}
	port, err := spireg.Open(name)
	if err != nil {
		return nil, &BusError{"open " + name, err}
	}
	conn, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, &BusError{"connect " + name, err}
	}
	return &spiConn{port: port, conn: conn}, nil
}

type spiConn struct {
	port spi.PortCloser
	conn spi.Conn
}

func (c *spiConn) Tx(w, r []byte) error {
	if err := c.conn.Tx(w, r); err != nil {
		return &BusError{"tx", err}
	}
	return nil
}

func (c *spiConn) Close() error {
	if err := c.port.Close(); err != nil {
		return &BusError{"close", err}
	}
	return nil
}

// OpenPin looks up a GPIO pin by name ("GPIO25", "18", ...).
func OpenPin(name string) (Pin, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("spibus: no such pin %q", name)
	}
	return &gpioPin{p}, nil
}

type gpioPin struct {
	p gpio.PinIO
}

func (g *gpioPin) In(edge Edge) error {
	e := [...]gpio.Edge{gpio.NoEdge, gpio.RisingEdge, gpio.FallingEdge}[edge]
	if err := g.p.In(gpio.PullNoChange, e); err != nil {
		return fmt.Errorf("spibus: pin %s: %w", g.p.Name(), err)
	}
	return nil
}

func (g *gpioPin) Read() Level { return Level(g.p.Read() == gpio.High) }

func (g *gpioPin) WaitForEdge(timeout time.Duration) bool { return g.p.WaitForEdge(timeout) }

func (g *gpioPin) Out(level Level) error {
	if err := g.p.Out(gpio.Level(level)); err != nil {
		return fmt.Errorf("spibus: pin %s: %w", g.p.Name(), err)
	}
	return nil
}

func (g *gpioPin) Name() string { return g.p.Name() }
