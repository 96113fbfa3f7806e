// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// RxMessage is the JSON payload published to <prefix>/rx for each received
// packet.
type RxMessage struct {
	Sender  byte      `json:"sender"`
	Target  byte      `json:"target"`
	Payload []byte    `json:"payload"` // base64 on the wire
	Rssi    int       `json:"rssi"`
	CrcOk   bool      `json:"crcOk"`
	At      time.Time `json:"at"`
}

// TxMessage is the JSON payload expected on <prefix>/tx for packets to
// transmit.
type TxMessage struct {
	Target  byte   `json:"target"`
	Payload []byte `json:"payload"`
	Ack     bool   `json:"ack"` // request an acknowledgement and retry
}

// mq is a handle onto the MQTT broker connection. It isolates the gateway
// from the paho client and keeps the connection persistent: the client
// reconnects and renews the tx subscription on its own.
type mq struct {
	conn   mqtt.Client
	prefix string
	log    *logrus.Entry
}

// newMQ connects to the broker. txHandler is invoked for each transmit
// request arriving on <prefix>/tx.
func newMQ(conf MqttConfig, log *logrus.Entry, txHandler func(*TxMessage)) (*mq, error) {
	hostname, _ := os.Hostname()
	id := "rfm69gw-" + hostname

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", conf.Host, conf.Port)).
		SetClientID(id).
		SetUsername(conf.User).
		SetPassword(conf.Password).
		SetAutoReconnect(true)

	m := &mq{prefix: conf.Prefix, log: log}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// (Re)subscribe on every connect so the subscription survives
		// broker restarts.
		token := c.Subscribe(m.prefix+"/tx", 1, func(_ mqtt.Client, raw mqtt.Message) {
			var msg TxMessage
			if err := json.Unmarshal(raw.Payload(), &msg); err != nil {
				log.WithError(err).Warn("cannot decode tx request")
				return
			}
			txHandler(&msg)
		})
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			log.WithError(token.Error()).Error("tx subscription failed")
		}
	})

	m.conn = mqtt.NewClient(opts)
	if token := m.conn.Connect(); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		if err := token.Error(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("timeout connecting to %s:%d", conf.Host, conf.Port)
	}
	log.WithField("broker", conf.Host).Info("mqtt connected")
	return m, nil
}

// PublishRx publishes a received packet to <prefix>/rx.
func (m *mq) PublishRx(msg *RxMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		m.log.WithError(err).Error("cannot encode rx packet")
		return
	}
	m.conn.Publish(m.prefix+"/rx", 1, false, payload)
}

func (m *mq) Close() {
	m.conn.Disconnect(250)
}
