package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	radix "github.com/mediocregopher/radix/v3"

	"order-saga/models"
)

// SnapshotStore holds the latest known order snapshot per order number on the
// payment side of the saga. Apply keeps only the highest version, so
// redelivered or out-of-date snapshots leave it unchanged.
type SnapshotStore interface {
	Apply(ctx context.Context, snapshot *models.Order) (bool, error)
	Get(ctx context.Context, orderNumber string) (*models.Order, bool, error)
}

type MemorySnapshots struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{orders: make(map[string]*models.Order)}
}

func (s *MemorySnapshots) Apply(ctx context.Context, snapshot *models.Order) (bool, error) {
	if snapshot == nil || snapshot.OrderNumber == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[snapshot.OrderNumber]
	if !ok {
		current = &models.Order{}
	}
	if !current.ApplySnapshot(snapshot) {
		return false, nil
	}
	s.orders[snapshot.OrderNumber] = current
	return true, nil
}

func (s *MemorySnapshots) Get(ctx context.Context, orderNumber string) (*models.Order, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderNumber]
	if !ok {
		return nil, false, nil
	}
	return o.Clone(), true, nil
}

// applyScript writes the snapshot only when its version is newer than the
// stored one. Returns 1 when written.
var applyScript = radix.NewEvalScript(1, `
local current = redis.call("HGET", KEYS[1], "version")
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[1], "body", ARGV[2])
redis.call("EXPIRE", KEYS[1], ARGV[3])
return 1
`)

// RedisSnapshots stores snapshots as hashes under order:snapshot:<number>.
type RedisSnapshots struct {
	client     radix.Client
	ttlSeconds int
}

func NewRedisSnapshots(client radix.Client, ttlSeconds int) *RedisSnapshots {
	return &RedisSnapshots{client: client, ttlSeconds: ttlSeconds}
}

func snapshotKey(orderNumber string) string {
	return "order:snapshot:" + orderNumber
}

func (s *RedisSnapshots) Apply(ctx context.Context, snapshot *models.Order) (bool, error) {
	if snapshot == nil || snapshot.OrderNumber == "" {
		return false, nil
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("marshal snapshot %s: %w", snapshot.OrderNumber, err)
	}
	var written int
	err = s.client.Do(applyScript.Cmd(&written, snapshotKey(snapshot.OrderNumber),
		fmt.Sprint(snapshot.Version), string(body), fmt.Sprint(s.ttlSeconds)))
	if err != nil {
		return false, fmt.Errorf("apply snapshot %s: %w", snapshot.OrderNumber, err)
	}
	return written == 1, nil
}

func (s *RedisSnapshots) Get(ctx context.Context, orderNumber string) (*models.Order, bool, error) {
	var body []byte
	mn := radix.MaybeNil{Rcv: &body}
	if err := s.client.Do(radix.Cmd(&mn, "HGET", snapshotKey(orderNumber), "body")); err != nil {
		return nil, false, fmt.Errorf("get snapshot %s: %w", orderNumber, err)
	}
	if mn.Nil {
		return nil, false, nil
	}
	var o models.Order
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, false, fmt.Errorf("decode snapshot %s: %w", orderNumber, err)
	}
	return &o, true, nil
}
