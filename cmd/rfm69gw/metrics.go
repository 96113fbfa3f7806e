// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package main

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openenergymonitor/rpi-rfm69/rfm69"
)

var (
	rxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfm69gw_rx_packets_total",
		Help: "Packets received over the air and forwarded.",
	})
	rxCrcErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfm69gw_rx_crc_errors_total",
		Help: "Received packets with a failed hardware CRC check.",
	})
	txPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfm69gw_tx_packets_total",
		Help: "Packets transmitted on behalf of MQTT clients.",
	})
	txFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfm69gw_tx_failures_total",
		Help: "Transmit requests that failed or were never acknowledged.",
	})
	acksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfm69gw_acks_sent_total",
		Help: "Acknowledgements sent in reply to received packets.",
	})
	queueDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rfm69gw_queue_dropped_total",
		Help: "Packets lost to receive queue overflow.",
	})
	rssiBySender = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rfm69gw_rssi_dbm",
		Help: "Signal strength of the last packet received from each sender.",
	}, []string{"sender"})
)

// recordRx accounts one forwarded packet. gwNode is this gateway's node
// id; packets addressed to it with the ack-request bit set were
// acknowledged by the radio, so the ack counter follows from the packet.
func recordRx(p *rfm69.Packet, gwNode byte) {
	rxPackets.Inc()
	rssiBySender.WithLabelValues(strconv.Itoa(int(p.Sender))).Set(float64(p.Rssi))
	if p.AckRequested && p.Target == gwNode {
		acksSent.Inc()
	}
}
