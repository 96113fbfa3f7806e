// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// nodeStore keeps a last-seen record per sensor node in redis so other
// services (and restarts of the gateway) can tell which nodes are alive.
// A nil nodeStore is valid and does nothing.
type nodeStore struct {
	rdb *redis.Client
	log *logrus.Entry
}

type nodeRecord struct {
	Rssi int       `json:"rssi"`
	At   time.Time `json:"at"`
}

func newNodeStore(conf RedisConfig, log *logrus.Entry) (*nodeStore, error) {
	if conf.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis at %s: %w", conf.Addr, err)
	}
	log.WithField("addr", conf.Addr).Info("redis connected")
	return &nodeStore{rdb: rdb, log: log}, nil
}

// Seen records that a node was heard from. Keys expire after a day so
// decommissioned nodes age out on their own.
func (s *nodeStore) Seen(node byte, rssi int, at time.Time) {
	if s == nil {
		return
	}
	rec, _ := json.Marshal(nodeRecord{Rssi: rssi, At: at})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := fmt.Sprintf("rfm69:node:%d", node)
	if err := s.rdb.Set(ctx, key, rec, 24*time.Hour).Err(); err != nil {
		s.log.WithError(err).Warn("cannot record node in redis")
	}
}

func (s *nodeStore) Close() {
	if s != nil {
		s.rdb.Close()
	}
}
