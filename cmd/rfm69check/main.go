// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

// Command rfm69check probes the SPI bus for an RFM69 module and prints
// what it finds. Useful to verify the wiring before pointing the gateway
// at the hardware. With -muxpin both legs of a chip-select mux are probed.
package main

import (
	"flag"
	"log"

	"periph.io/x/periph/conn/physic"

	"github.com/openenergymonitor/rpi-rfm69/spibus"
)

func main() {
	spiDev := flag.String("spi", "", "SPI port name, empty for the first available")
	muxPin := flag.String("muxpin", "", "optional chip-select mux pin name")
	flag.Parse()

	if err := spibus.Init(); err != nil {
		log.Fatalf("host init: %s", err)
	}
	dev, err := spibus.Open(*spiDev, 1*physic.MegaHertz)
	if err != nil {
		log.Fatalf("cannot open SPI: %s", err)
	}
	defer dev.Close()

	if *muxPin == "" {
		probe(dev, "radio")
		return
	}
	sel, err := spibus.OpenPin(*muxPin)
	if err != nil {
		log.Fatalf("cannot open pin %s: %s", *muxPin, err)
	}
	low, high := spibus.MuxCS(dev, sel)
	probe(low, "radio on mux leg 0")
	probe(high, "radio on mux leg 1")
}

// probe reads the op-mode and version registers and reports whether a
// known chip answered.
func probe(dev spibus.Conn, what string) {
	log.Printf("Checking %s...", what)
	var r [2]byte
	if err := dev.Tx([]byte{0x01, 0}, r[:]); err != nil {
		log.Printf("  SPI error: %s", err)
		return
	}
	log.Printf("  op-mode is %#x", r[1])
	if err := dev.Tx([]byte{0x10, 0}, r[:]); err != nil {
		log.Printf("  SPI error: %s", err)
		return
	}
	switch r[1] {
	case 0x23:
		log.Printf("  found sx1231: OK!")
	case 0x24:
		log.Printf("  found sx1231h (rfm69H/HW/HCW): OK!")
	case 0x00, 0xFF:
		log.Printf("  no answer, check wiring and chip select")
	default:
		log.Printf("  unexpected version %#x, not an rfm69?", r[1])
	}
}
