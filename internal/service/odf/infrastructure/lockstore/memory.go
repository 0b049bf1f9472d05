// internal/service/odf/infrastructure/lockstore/memory.go
package lockstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

// MemoryStore 是单实例部署和测试用的锁存储
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]domain.SerialLock
}

var _ port.LockStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]domain.SerialLock)}
}

func (s *MemoryStore) Acquire(_ context.Context, locks []domain.SerialLock, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range locks {
		if cur, ok := s.locks[l.Key()]; ok && conflicts(cur, l, now) {
			return conflictError(cur)
		}
	}
	for _, l := range locks {
		s.locks[l.Key()] = l
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, owner string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if cur, ok := s.locks[k]; ok && cur.Owner == owner {
			delete(s.locks, k)
		}
	}
	return nil
}

func (s *MemoryStore) ReleaseOrder(_ context.Context, orderID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, l := range s.locks {
		if l.OrderID == orderID {
			delete(s.locks, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, l := range s.locks {
		if l.ExpiredAt(now) {
			delete(s.locks, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Holders(_ context.Context, keys []string) (map[string]domain.SerialLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.SerialLock, len(keys))
	for _, k := range keys {
		if l, ok := s.locks[k]; ok {
			out[k] = l
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByOrder(_ context.Context, orderID int64) ([]domain.SerialLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SerialLock
	for _, l := range s.locks {
		if l.OrderID == orderID {
			out = append(out, l)
		}
	}
	return out, nil
}

// conflicts 判断 cur 是否阻止 next：不同持有者且未过期
func conflicts(cur, next domain.SerialLock, now time.Time) bool {
	return cur.Owner != next.Owner && !cur.ExpiredAt(now)
}

func conflictError(holder domain.SerialLock) error {
	return errors.Wrapf(domain.ErrLockConflict, "%s held by order %d until %s",
		holder.Key(), holder.OrderID, holder.ExpiresAt.Format(time.RFC3339))
}
