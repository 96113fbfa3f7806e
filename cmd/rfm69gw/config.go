// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package main

import (
	"fmt"
	"io/ioutil"

	"github.com/flynn/json5"
)

// Config is the gateway configuration, loaded from a JSON5 file so the
// config can carry comments and trailing commas.
type Config struct {
	Radio RadioConfig `json:"radio"`
	Mqtt  MqttConfig  `json:"mqtt"`
	Http  HttpConfig  `json:"http"`
	Redis RedisConfig `json:"redis"`
}

// RadioConfig describes the radio hardware and RF settings.
type RadioConfig struct {
	SpiDev     string `json:"spiDev"`     // SPI port name, e.g. "/dev/spidev0.0" or ""
	SpeedHz    int    `json:"speedHz"`    // SPI clock, 0 for the 4MHz default
	IntrPin    string `json:"intrPin"`    // GPIO name wired to DIO0, e.g. "GPIO24"
	ResetPin   string `json:"resetPin"`   // optional GPIO wired to RESET
	CSPin      string `json:"csPin"`      // optional GPIO driven as the chip select
	CSMuxPin   string `json:"csMuxPin"`   // optional pin muxing the chip select
	CSMuxValue int    `json:"csMuxValue"` // 0 or 1: which mux leg this radio is on

	Freq        uint32 `json:"freq"`      // center frequency (Hz, kHz or MHz)
	Rate        uint32 `json:"rate"`      // bit rate in bps
	NodeID      byte   `json:"nodeId"`    // this gateway's node id
	NetworkID   byte   `json:"networkId"` // network group
	Power       int    `json:"power"`     // TX power in dBm
	PABoost     bool   `json:"paBoost"`   // rfm69HW/HCW power amps
	Key         string `json:"key"`       // 16-char AES key, "" for plaintext
	Promiscuous bool   `json:"promiscuous"`

	QueueCap     int  `json:"queueCap"`
	RejectNewest bool `json:"rejectNewest"`
}

// MqttConfig describes the broker connection and topic layout. Received
// packets are published to <prefix>/rx and transmit requests are read from
// <prefix>/tx.
type MqttConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Prefix   string `json:"prefix"`
}

// HttpConfig describes the metrics/websocket listener.
type HttpConfig struct {
	Addr string `json:"addr"` // listen address, "" disables the listener
}

// RedisConfig describes the optional last-seen store.
type RedisConfig struct {
	Addr     string `json:"addr"` // host:port, "" disables redis
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// loadConfig reads and validates the config file, filling in defaults.
func loadConfig(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json5.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}

	if cfg.Radio.Freq == 0 || cfg.Radio.Rate == 0 {
		return nil, fmt.Errorf("radio.freq and radio.rate must be set")
	}
	if cfg.Radio.NodeID == 0 {
		return nil, fmt.Errorf("radio.nodeId must be set")
	}
	if cfg.Radio.Key != "" && len(cfg.Radio.Key) != 16 {
		return nil, fmt.Errorf("radio.key must be exactly 16 characters")
	}
	if cfg.Mqtt.Host != "" && cfg.Mqtt.Port == 0 {
		cfg.Mqtt.Port = 1883
	}
	if cfg.Mqtt.Prefix == "" {
		cfg.Mqtt.Prefix = "rfm69"
	}
	return cfg, nil
}
