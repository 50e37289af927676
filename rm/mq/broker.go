package mq

import (
	"context"
	"errors"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/dtx"
)

// InMemoryBroker stages half messages in process; confirmed messages land
// on a channel tests and embedded consumers can drain.
type InMemoryBroker struct {
	mu        sync.Mutex
	staged    map[string]*HalfMessage
	published chan *HalfMessage
}

func NewInMemoryBroker(buffer int) *InMemoryBroker {
	if buffer <= 0 {
		buffer = 64
	}
	return &InMemoryBroker{
		staged:    make(map[string]*HalfMessage),
		published: make(chan *HalfMessage, buffer),
	}
}

// Published exposes the confirmed message stream.
func (b *InMemoryBroker) Published() <-chan *HalfMessage { return b.published }

func halfKey(xid string, branchID int64) string {
	return xid + ":" + dtx.FormatBranchID(branchID)
}

func (b *InMemoryBroker) Stage(_ context.Context, m *HalfMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.staged[halfKey(m.Xid, m.BranchID)] = m
	return nil
}

func (b *InMemoryBroker) Confirm(_ context.Context, xid string, branchID int64) error {
	b.mu.Lock()
	m, ok := b.staged[halfKey(xid, branchID)]
	if ok {
		delete(b.staged, halfKey(xid, branchID))
	}
	b.mu.Unlock()
	if !ok {
		// Already confirmed or discarded; re-delivery.
		return nil
	}
	b.published <- m
	return nil
}

func (b *InMemoryBroker) Discard(_ context.Context, xid string, branchID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.staged, halfKey(xid, branchID))
	return nil
}

const (
	redisHalfPrefix = "Hdtx"
	redisStreamKey  = "Sdtx"
)

// RedisBroker stages half messages as redis values and publishes confirmed
// ones onto a stream, so any consumer group can pick them up.
type RedisBroker struct {
	client *redis.Client
	stream string
}

func NewRedisBroker(client *redis.Client, stream string) *RedisBroker {
	if stream == "" {
		stream = redisStreamKey
	}
	return &RedisBroker{client: client, stream: stream}
}

func (b *RedisBroker) Stage(ctx context.Context, m *HalfMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	if err := b.client.Set(ctx, redisHalfPrefix+halfKey(m.Xid, m.BranchID), payload, 0).Err(); err != nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	return nil
}

func (b *RedisBroker) Confirm(ctx context.Context, xid string, branchID int64) error {
	key := redisHalfPrefix + halfKey(xid, branchID)
	payload, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	var m HalfMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"xid":      m.Xid,
			"branchId": m.BranchID,
			"topic":    m.Topic,
			"payload":  string(m.Payload),
		},
	}).Err(); err != nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	// Delete after publish; a crash in between re-publishes on retry, which
	// consumers must tolerate (at-least-once).
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	return nil
}

func (b *RedisBroker) Discard(ctx context.Context, xid string, branchID int64) error {
	if err := b.client.Del(ctx, redisHalfPrefix+halfKey(xid, branchID)).Err(); err != nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	return nil
}
