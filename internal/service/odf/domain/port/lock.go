package port

import (
	"context"
	"time"

	"odf/internal/service/odf/domain"
)

// LockStore 是锁表的存储抽象，必须提供原子的批量 check-and-set。
type LockStore interface {
	// Acquire 原子地获取一批锁：任何一个键被其他订单持有且未过期，整批失败并返回 domain.ErrLockConflict。
	// 同一订单已持有的键刷新过期时间。
	Acquire(ctx context.Context, locks []domain.SerialLock, now time.Time) error
	// Release 释放 owner 持有的指定键。不存在或已被其他持有者接管的键忽略。
	Release(ctx context.Context, owner string, keys []string) error
	// ReleaseOrder 释放订单持有的所有锁
	ReleaseOrder(ctx context.Context, orderID int64) (int, error)
	// SweepExpired 删除在 now 之前过期的锁
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	// Holders 返回这些键当前的持有记录（可能包含已过期但未清理的记录）
	Holders(ctx context.Context, keys []string) (map[string]domain.SerialLock, error)
	// ListByOrder 返回订单持有的锁
	ListByOrder(ctx context.Context, orderID int64) ([]domain.SerialLock, error)
}
