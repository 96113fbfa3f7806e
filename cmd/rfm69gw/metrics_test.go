// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package main

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openenergymonitor/rpi-rfm69/rfm69"
)

func TestRecordRx(t *testing.T) {
	rxBefore := testutil.ToFloat64(rxPackets)
	ackBefore := testutil.ToFloat64(acksSent)

	recordRx(&rfm69.Packet{Sender: 7, Target: 1, Rssi: -72, AckRequested: true}, 1)

	if got := testutil.ToFloat64(rxPackets) - rxBefore; got != 1 {
		t.Fatalf("rx counter moved by %v, want 1", got)
	}
	if got := testutil.ToFloat64(rssiBySender.WithLabelValues("7")); got != -72 {
		t.Fatalf("rssi gauge for sender 7: %v, want -72", got)
	}
	if got := testutil.ToFloat64(acksSent) - ackBefore; got != 1 {
		t.Fatalf("ack counter moved by %v, want 1", got)
	}
}

func TestRecordRxNoAckForOtherTargets(t *testing.T) {
	ackBefore := testutil.ToFloat64(acksSent)

	// Overheard traffic: ack requested, but not from this gateway.
	recordRx(&rfm69.Packet{Sender: 8, Target: 5, Rssi: -80, AckRequested: true}, 1)
	// And traffic to us that wants no ack.
	recordRx(&rfm69.Packet{Sender: 8, Target: 1, Rssi: -80}, 1)

	if got := testutil.ToFloat64(acksSent) - ackBefore; got != 0 {
		t.Fatalf("ack counter moved by %v, want 0", got)
	}
}
