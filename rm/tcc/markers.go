package tcc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/dtx"
)

// Marker states recorded per (xid, branchId). They make confirm and cancel
// idempotent and defuse the suspension case where cancel arrives before try.
const (
	MarkerTried          = "tried"
	MarkerConfirmed      = "confirmed"
	MarkerCancelled      = "cancelled"
	MarkerCancelledNoTry = "cancelled-no-try"
)

// MarkerStore persists TCC execution markers.
type MarkerStore interface {
	// Get returns the marker for a branch, "" when absent.
	Get(ctx context.Context, xid string, branchID int64) (string, error)
	// SetIfAbsent writes the marker only when none exists yet and reports
	// whether it won. On loss the existing marker is returned.
	SetIfAbsent(ctx context.Context, xid string, branchID int64, state string) (bool, string, error)
	// Set overwrites the marker.
	Set(ctx context.Context, xid string, branchID int64, state string) error
}

func markerKey(xid string, branchID int64) string {
	return xid + ":" + dtx.FormatBranchID(branchID)
}

// InMemoryMarkers is the single-process marker store, used in tests and
// embedded deployments.
type InMemoryMarkers struct {
	mu      sync.Mutex
	markers map[string]string
}

func NewInMemoryMarkers() *InMemoryMarkers {
	return &InMemoryMarkers{markers: make(map[string]string)}
}

func (s *InMemoryMarkers) Get(_ context.Context, xid string, branchID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[markerKey(xid, branchID)], nil
}

func (s *InMemoryMarkers) SetIfAbsent(_ context.Context, xid string, branchID int64, state string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := markerKey(xid, branchID)
	if cur, ok := s.markers[k]; ok {
		return false, cur, nil
	}
	s.markers[k] = state
	return true, state, nil
}

func (s *InMemoryMarkers) Set(_ context.Context, xid string, branchID int64, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[markerKey(xid, branchID)] = state
	return nil
}

const redisMarkerPrefix = "Tdtx"

// RedisMarkers shares markers across participant instances.
type RedisMarkers struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMarkers builds a marker store over an existing client. TTL bounds
// marker lifetime; it should comfortably exceed the longest global timeout
// plus the retry horizon.
func NewRedisMarkers(client *redis.Client, ttl time.Duration) *RedisMarkers {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisMarkers{client: client, ttl: ttl}
}

func (s *RedisMarkers) Get(ctx context.Context, xid string, branchID int64) (string, error) {
	v, err := s.client.Get(ctx, redisMarkerPrefix+markerKey(xid, branchID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	return v, nil
}

func (s *RedisMarkers) SetIfAbsent(ctx context.Context, xid string, branchID int64, state string) (bool, string, error) {
	k := redisMarkerPrefix + markerKey(xid, branchID)
	ok, err := s.client.SetNX(ctx, k, state, s.ttl).Result()
	if err != nil {
		return false, "", dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	if ok {
		return true, state, nil
	}
	cur, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Raced with an expiry; caller retries.
		return false, "", nil
	}
	if err != nil {
		return false, "", dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	return false, cur, nil
}

func (s *RedisMarkers) Set(ctx context.Context, xid string, branchID int64, state string) error {
	err := s.client.Set(ctx, redisMarkerPrefix+markerKey(xid, branchID), state, s.ttl).Err()
	if err != nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	return nil
}
