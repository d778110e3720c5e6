// Package sessionstore is the Redis-backed bookkeeping a relay process
// keeps on top of the core handshake: rejecting a replayed/duplicate
// client-finish for a session_id already seen, and rate-limiting handshake
// attempts per peer id. None of this is known to the core securesession
// package itself — a bare Session has no notion of "have I seen this
// session_id before", only a relay fronting many simultaneous handshakes
// needs it.
package sessionstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store tracks completed session ids and per-peer handshake attempt counts.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Config holds connection parameters for a Store.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

// Open connects to Redis.
func Open(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to session store: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}, nil
}

func sessionKey(sessionID [8]byte) string {
	return "securesession:seen:" + hex.EncodeToString(sessionID[:])
}

// MarkEstablished records sessionID as completed. Returns false without
// error if the session_id was already recorded, signaling a duplicate or
// replayed client-finish the caller should reject.
func (s *Store) MarkEstablished(ctx context.Context, sessionID [8]byte) (firstTime bool, err error) {
	ok, err := s.client.SetNX(ctx, sessionKey(sessionID), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record session %x: %w", sessionID, err)
	}
	return ok, nil
}

// IsEstablished reports whether sessionID has already been recorded.
func (s *Store) IsEstablished(ctx context.Context, sessionID [8]byte) (bool, error) {
	n, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check session %x: %w", sessionID, err)
	}
	return n > 0, nil
}

func attemptsKey(peerID string) string {
	return "securesession:attempts:" + peerID
}

// AllowHandshakeAttempt increments peerID's handshake-attempt counter for
// the current minute window and reports whether it is still within limit.
func (s *Store) AllowHandshakeAttempt(ctx context.Context, peerID string, limitPerMin int) (bool, error) {
	key := attemptsKey(peerID)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("increment attempt counter for %q: %w", peerID, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, time.Minute).Err(); err != nil {
			return false, fmt.Errorf("set attempt counter expiry for %q: %w", peerID, err)
		}
	}
	return count <= int64(limitPerMin), nil
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
