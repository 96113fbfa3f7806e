// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

// Command rfm69gw bridges an RFM69 radio to MQTT. Packets received over
// the air are published as JSON to <prefix>/rx, forwarded to websocket
// clients and recorded in redis; transmit requests arriving on
// <prefix>/tx are sent out over the radio. Prometheus metrics are served
// on the HTTP listener next to the websocket endpoint.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"periph.io/x/periph/conn/physic"

	"github.com/openenergymonitor/rpi-rfm69/rfm69"
	"github.com/openenergymonitor/rpi-rfm69/spibus"
	"github.com/openenergymonitor/rpi-rfm69/thread"
)

func main() {
	configPath := flag.String("config", "rfm69gw.json5", "path to the config file")
	debug := flag.Bool("debug", false, "enable debug output")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("app", "rfm69gw")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("cannot load config")
	}

	radio, err := openRadio(cfg.Radio, *debug)
	if err != nil {
		log.WithError(err).Fatal("cannot open radio")
	}
	defer radio.Close()
	log.WithFields(logrus.Fields{
		"node": cfg.Radio.NodeID, "network": cfg.Radio.NetworkID,
		"freq": cfg.Radio.Freq, "rate": cfg.Radio.Rate,
	}).Info("radio ready")

	store, err := newNodeStore(cfg.Redis, log)
	if err != nil {
		log.WithError(err).Fatal("cannot connect to redis")
	}
	defer store.Close()

	hub := newWsHub(log)

	// Transmit requests come in on MQTT and are pushed out on the radio.
	// Send blocks for the ack retries, so each request gets a goroutine.
	txHandler := func(msg *TxMessage) {
		go func() {
			ok, err := radio.Send(msg.Target, msg.Payload, msg.Ack)
			if err != nil || !ok {
				txFailures.Inc()
				log.WithError(err).WithField("target", msg.Target).Warn("tx failed")
				return
			}
			txPackets.Inc()
			log.WithField("target", msg.Target).Debug("tx ok")
		}()
	}
	broker, err := newMQ(cfg.Mqtt, log, txHandler)
	if err != nil {
		log.WithError(err).Fatal("cannot connect to mqtt broker")
	}
	defer broker.Close()

	if cfg.Http.Addr != "" {
		http.Handle("/metrics", promhttp.Handler())
		http.Handle("/ws", hub)
		go func() {
			if err := http.ListenAndServe(cfg.Http.Addr, nil); err != nil {
				log.WithError(err).Error("http listener died")
			}
		}()
		log.WithField("addr", cfg.Http.Addr).Info("http listener up")
	}

	if err := radio.StartListening(); err != nil {
		log.WithError(err).Fatal("cannot start listening")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go forwardPackets(radio, broker, hub, store, cfg.Radio.NodeID, log)

	<-stop
	log.Info("shutting down")
}

// forwardPackets is the consumer side of the packet queue: it drains one
// packet at a time and fans it out to MQTT, the websocket clients and the
// redis last-seen store.
func forwardPackets(radio *rfm69.Radio, broker *mq, hub *wsHub, store *nodeStore, node byte, log *logrus.Entry) {
	// Packets should not wait behind bulk work on a loaded gateway.
	if err := thread.Realtime(); err != nil {
		log.WithError(err).Warn("cannot set realtime priority")
	}
	for range radio.Packets() {
		for {
			p := radio.PopOne()
			if p == nil {
				break
			}
			if !p.CrcOk {
				rxCrcErrors.Inc()
				continue
			}
			recordRx(p, node)
			queueDropped.Set(float64(radio.Dropped()))

			msg := &RxMessage{
				Sender:  p.Sender,
				Target:  p.Target,
				Payload: p.Payload,
				Rssi:    p.Rssi,
				CrcOk:   p.CrcOk,
				At:      p.At,
			}
			broker.PublishRx(msg)
			if raw, err := json.Marshal(msg); err == nil {
				hub.Broadcast(raw)
			}
			store.Seen(p.Sender, p.Rssi, p.At)
			log.WithFields(logrus.Fields{
				"sender": p.Sender, "rssi": p.Rssi, "bytes": len(p.Payload),
			}).Debug("rx")
		}
	}
}

// openRadio sets up the SPI bus, the GPIO pins and the radio itself.
func openRadio(conf RadioConfig, debug bool) (*rfm69.Radio, error) {
	if err := spibus.Init(); err != nil {
		return nil, err
	}
	dev, err := spibus.Open(conf.SpiDev, physic.Frequency(conf.SpeedHz)*physic.Hertz)
	if err != nil {
		return nil, err
	}
	if conf.CSPin != "" {
		// Radio NSS on a plain GPIO instead of a kernel chip select.
		cs, err := spibus.OpenPin(conf.CSPin)
		if err != nil {
			return nil, err
		}
		if dev, err = spibus.ManualCS(dev, cs); err != nil {
			return nil, err
		}
	}
	if conf.CSMuxPin != "" {
		sel, err := spibus.OpenPin(conf.CSMuxPin)
		if err != nil {
			return nil, err
		}
		low, high := spibus.MuxCS(dev, sel)
		if conf.CSMuxValue == 0 {
			dev = low
		} else {
			dev = high
		}
	}

	intr, err := spibus.OpenPin(conf.IntrPin)
	if err != nil {
		return nil, err
	}
	var reset spibus.Pin
	if conf.ResetPin != "" {
		if reset, err = spibus.OpenPin(conf.ResetPin); err != nil {
			return nil, err
		}
	}

	cfg := rfm69.Config{
		Freq:         conf.Freq,
		Rate:         conf.Rate,
		NodeID:       conf.NodeID,
		NetworkID:    conf.NetworkID,
		Power:        conf.Power,
		PABoost:      conf.PABoost,
		Promiscuous:  conf.Promiscuous,
		QueueCap:     conf.QueueCap,
		RejectNewest: conf.RejectNewest,
		ResetPin:     reset,
	}
	if conf.Key != "" {
		cfg.Key = []byte(conf.Key)
	}
	if debug {
		cfg.Logger = logrus.Debugf
	}
	return rfm69.New(dev, intr, cfg)
}
