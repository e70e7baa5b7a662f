// Package redis mirrors the live room directory into Redis so that other
// services can look rooms up without talking to the signaling process.
//
// The mirror is write-only and best effort. The in-memory registry stays
// authoritative; Redis entries carry the room TTL so a crashed server's
// entries age out on their own.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/mesh-signaling/config"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "room:"
	queueSize      = 256
	opTimeout      = 2 * time.Second
	connectTimeout = 5 * time.Second
)

// RoomKey returns the Redis key holding a room summary.
func RoomKey(roomID string) string {
	return keyPrefix + roomID
}

type op struct {
	roomID  string
	summary *models.RoomSummary // nil means delete
}

// Mirror asynchronously writes room summaries to Redis.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	ops       chan op
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Connect initializes the Redis client and starts the mirror worker.
func Connect(cfg config.RedisConfig, logger *slog.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewMirror(client, cfg.TTL, logger), nil
}

// NewMirror wraps an existing client.
func NewMirror(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "redis-mirror"),
		ops:    make(chan op, queueSize),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Put records the current state of a room. It never blocks the caller; when
// the queue is full the update is dropped and the next one catches up.
func (m *Mirror) Put(summary models.RoomSummary) {
	s := summary
	m.enqueue(op{roomID: summary.ID, summary: &s})
}

// Delete removes a room from the directory.
func (m *Mirror) Delete(roomID string) {
	m.enqueue(op{roomID: roomID})
}

func (m *Mirror) enqueue(o op) {
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.ops <- o:
	default:
		m.logger.Warn("mirror queue full, dropping update", "room", o.roomID)
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case o := <-m.ops:
			m.apply(o)
		case <-m.done:
			// Flush what is already queued.
			for {
				select {
				case o := <-m.ops:
					m.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if o.summary == nil {
		if err := m.client.Del(ctx, RoomKey(o.roomID)).Err(); err != nil {
			m.logger.Error("failed to delete room", "room", o.roomID, "error", err)
		}
		return
	}

	data, err := json.Marshal(o.summary)
	if err != nil {
		m.logger.Error("failed to marshal room", "room", o.roomID, "error", err)
		return
	}
	if err := m.client.Set(ctx, RoomKey(o.roomID), data, m.ttl).Err(); err != nil {
		m.logger.Error("failed to store room", "room", o.roomID, "error", err)
	}
}

// Close drains pending updates and closes the Redis connection.
func (m *Mirror) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		err = m.client.Close()
	})
	return err
}
