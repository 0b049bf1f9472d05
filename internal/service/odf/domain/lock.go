// internal/service/odf/domain/lock.go
package domain

import (
	"strconv"
	"strings"
	"time"
)

// LockKind 区分锁的用途
type LockKind string

const (
	LockKindSerial LockKind = "serial" // 设备序列号
	LockKindCoupon LockKind = "coupon" // 券序列号
	LockKindOrder  LockKind = "order"  // CreateOrder 的 "进行中" 记录，键为 pcdnum
)

// SerialLock 是对一个序列号的限时独占。每个键最多一个未过期的锁。
type SerialLock struct {
	SerialNumber      string
	Kind              LockKind
	OrderID           int64
	Owner             string // 持有者；不同 Owner 的未过期锁互斥
	LineID            int64 // 券锁对应的 Coupon 行
	ArticleCode       string
	ParentArticleCode string
	ExpiresAt         time.Time
}

// Key 是锁存储中的唯一键
func (l SerialLock) Key() string {
	return LockKey(l.Kind, l.SerialNumber)
}

// ExpiredAt 判断在给定时刻锁是否已过期
func (l SerialLock) ExpiredAt(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LockKey 组装 "kind:serial" 形式的键
func LockKey(kind LockKind, serial string) string {
	return string(kind) + ":" + serial
}

// OrderLockKey 是 CreateOrder 进行中记录的键
func OrderLockKey(orderNumber string) string {
	return LockKey(LockKindOrder, orderNumber)
}

// ParseLockKey 拆分 LockKey 的结果
func ParseLockKey(key string) (LockKind, string) {
	kind, serial, ok := strings.Cut(key, ":")
	if !ok {
		return LockKindSerial, key
	}
	return LockKind(kind), serial
}

// OrderOwner 是序列号锁和券锁的持有者：同一订单重复加锁视为刷新
func OrderOwner(orderID int64) string {
	return "order-" + strconv.FormatInt(orderID, 10)
}
