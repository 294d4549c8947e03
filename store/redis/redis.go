// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

// Package redis implements store.Store on a Redis backend: GET for snapshot
// and latest-frame cache keys, PUBLISH/SUBSCRIBE for live channels. One
// client per process; go-redis reconnects dropped pub/sub connections
// internally, so a backend outage degrades deliveries instead of failing
// subscribe calls.
package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store"
)

// Config holds Redis connection settings.
type Config struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Store implements store.Store on Redis.
type Store struct {
	client *goredis.Client
	hub    *store.Hub
	logger *slog.Logger
}

// New creates a Redis-backed store. The connection is established lazily; an
// unreachable backend does not fail construction.
func New(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	})

	s := &Store{
		client: client,
		logger: logger,
	}
	s.hub = store.NewHub(upstream{s})
	return s
}

// GetSnapshot implements store.Store. Backend errors degrade to "absent".
func (s *Store) GetSnapshot(ctx context.Context, droneID string) (*store.TelemetrySnapshot, bool) {
	raw, err := s.client.Get(ctx, store.TelemetryKey(droneID)).Bytes()
	if err != nil {
		if err != goredis.Nil {
			s.logger.Warn("snapshot read failed",
				slog.String("drone_id", droneID),
				slog.String("error", err.Error()))
		}
		return nil, false
	}

	var snap store.TelemetrySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.logger.Warn("snapshot decode failed",
			slog.String("drone_id", droneID),
			slog.String("error", err.Error()))
		return nil, false
	}
	return &snap, true
}

// GetLatestFrame implements store.Store.
func (s *Store) GetLatestFrame(ctx context.Context, droneID, camera string) (*store.BinaryFrame, bool) {
	raw, err := s.client.Get(ctx, store.CameraLatestKey(droneID, camera)).Bytes()
	if err != nil {
		if err != goredis.Nil {
			s.logger.Warn("latest frame read failed",
				slog.String("drone_id", droneID),
				slog.String("camera", camera),
				slog.String("error", err.Error()))
		}
		return nil, false
	}

	var frame store.BinaryFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, false
	}
	return &frame, true
}

// Subscribe implements store.Store via the shared fan-out hub: one Redis
// SUBSCRIBE per channel no matter how many sessions are interested.
func (s *Store) Subscribe(channel string, handler func(payload []byte)) store.CancelFunc {
	return s.hub.Subscribe(channel, handler)
}

// Publish implements store.Store.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.hub.Close()
	return s.client.Close()
}

// upstream adapts the Redis pub/sub connection to store.Upstream.
type upstream struct {
	s *Store
}

// Open starts one SUBSCRIBE and a delivery goroutine for a channel. The
// goroutine exits when the PubSub is closed by the returned close function.
func (u upstream) Open(channel string, deliver func(payload []byte)) (func(), error) {
	ps := u.s.client.Subscribe(context.Background(), channel)

	go func() {
		for msg := range ps.Channel() {
			deliver([]byte(msg.Payload))
		}
	}()

	return func() {
		if err := ps.Close(); err != nil {
			u.s.logger.Warn("pubsub close failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()))
		}
	}, nil
}
