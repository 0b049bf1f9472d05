// internal/service/odf/application/lock_manager.go
package application

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"odf/internal/pkg/logger"
	"odf/internal/pkg/metrics"
	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

const couponPickRounds = 5

// LockManager 负责序列号锁和券锁的获取、释放和过期清理
type LockManager struct {
	store   port.LockStore
	coupons domain.CouponRepository
	ttl     time.Duration
	clock   func() time.Time
	tracer  trace.Tracer
}

func NewLockManager(store port.LockStore, coupons domain.CouponRepository, ttl time.Duration, clock func() time.Time, tracer trace.Tracer) *LockManager {
	if clock == nil {
		clock = time.Now
	}
	return &LockManager{store: store, coupons: coupons, ttl: ttl, clock: clock, tracer: tracer}
}

// TryLock 为一批序列号加锁，全部成功或全部失败
func (m *LockManager) TryLock(ctx context.Context, kind domain.LockKind, serials []string, orderID int64, articleCode, parentArticleCode string) error {
	locks := make([]domain.SerialLock, 0, len(serials))
	for _, s := range serials {
		locks = append(locks, domain.SerialLock{
			SerialNumber:      s,
			Kind:              kind,
			OrderID:           orderID,
			Owner:             domain.OrderOwner(orderID),
			ArticleCode:       articleCode,
			ParentArticleCode: parentArticleCode,
		})
	}
	return m.Acquire(ctx, locks)
}

// Acquire 先清理过期锁，再通过存储的原子操作加锁。ExpiresAt 由管理器统一设置。
func (m *LockManager) Acquire(ctx context.Context, locks []domain.SerialLock) error {
	if len(locks) == 0 {
		return nil
	}
	ctx, span := m.tracer.Start(ctx, "odf.locks.acquire", trace.WithAttributes(attribute.Int("locks.count", len(locks))))
	defer span.End()

	now := m.clock()
	if _, err := m.sweep(ctx, now); err != nil {
		// 存储层同样把过期锁视为空闲
		logger.Ctx(ctx).Warn().Err(err).Msg("sweep before lock attempt failed")
	}

	batch := make([]domain.SerialLock, len(locks))
	for i, l := range locks {
		if l.Owner == "" {
			l.Owner = domain.OrderOwner(l.OrderID)
		}
		l.ExpiresAt = now.Add(m.ttl)
		batch[i] = l
	}

	if err := m.store.Acquire(ctx, batch, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrLockConflict) {
			metrics.LockOperations.WithLabelValues("acquire", "conflict").Inc()
		} else {
			metrics.LockOperations.WithLabelValues("acquire", "error").Inc()
		}
		return err
	}
	metrics.LockOperations.WithLabelValues("acquire", "ok").Inc()
	return nil
}

// AcquireOrderCreation 获取 CreateOrder 的进行中记录。
// 每次调用使用新的持有者令牌，同一订单的并发创建也会冲突。
func (m *LockManager) AcquireOrderCreation(ctx context.Context, order *domain.Order) (domain.SerialLock, error) {
	lock := domain.SerialLock{
		SerialNumber: order.Number,
		Kind:         domain.LockKindOrder,
		OrderID:      order.ID,
		Owner:        uuid.NewString(),
	}
	if err := m.Acquire(ctx, []domain.SerialLock{lock}); err != nil {
		if errors.Is(err, domain.ErrLockConflict) {
			return domain.SerialLock{}, errors.Wrapf(domain.ErrOrderCreationOngoing, "order %s", order.Number)
		}
		return domain.SerialLock{}, err
	}
	return lock, nil
}

// ConfirmValidated 确认订单仍持有校验时获取的锁，并刷新这些锁的过期时间。
// 每个 Article 行需要一个未过期的序列号锁，每个 Coupon 行需要 Quantity 个未过期的券锁。
func (m *LockManager) ConfirmValidated(ctx context.Context, order *domain.Order, lines []domain.OrderLine) error {
	ctx, span := m.tracer.Start(ctx, "odf.locks.confirm_validated", trace.WithAttributes(attribute.Int64("order.id", order.ID)))
	defer span.End()

	now := m.clock()
	owned, err := m.store.ListByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	owner := domain.OrderOwner(order.ID)
	serials := make(map[string]domain.SerialLock)
	coupons := make(map[int64][]domain.SerialLock)
	for _, l := range owned {
		if l.Owner != owner || l.ExpiredAt(now) {
			continue
		}
		switch l.Kind {
		case domain.LockKindSerial:
			serials[l.SerialNumber] = l
		case domain.LockKindCoupon:
			coupons[l.LineID] = append(coupons[l.LineID], l)
		}
	}

	var issues []string
	var keep []domain.SerialLock
	if len(lines) == 0 {
		issues = append(issues, fmt.Sprintf("order %s has no lines", order.Number))
	}
	for _, line := range lines {
		switch {
		case line.IsArticle():
			l, ok := serials[line.SerialNumber]
			if line.SerialNumber == "" || !ok {
				issues = append(issues, fmt.Sprintf("line %d: serial %q is not locked by order %s", line.ID, line.SerialNumber, order.Number))
				continue
			}
			keep = append(keep, l)
		case line.IsCoupon():
			held := coupons[line.ID]
			if len(held) < line.Quantity {
				issues = append(issues, fmt.Sprintf("line %d: %d of %d coupon serials locked", line.ID, len(held), line.Quantity))
				continue
			}
			keep = append(keep, held...)
		}
	}
	if len(issues) > 0 {
		perr := domain.ValidationError("Order must be validated (locks missing or expired)", issues)
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Title)
		return perr
	}

	// 同一持有者重新加锁即刷新过期时间
	return m.Acquire(ctx, keep)
}

// Release 幂等地释放 owner 持有的锁
func (m *LockManager) Release(ctx context.Context, owner string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := m.store.Release(ctx, owner, keys); err != nil {
		metrics.LockOperations.WithLabelValues("release", "error").Inc()
		return err
	}
	metrics.LockOperations.WithLabelValues("release", "ok").Inc()
	return nil
}

// ReleaseOrder 释放订单持有的所有锁，流水线的每个终止路径都会调用
func (m *LockManager) ReleaseOrder(ctx context.Context, orderID int64) (int, error) {
	n, err := m.store.ReleaseOrder(ctx, orderID)
	if err != nil {
		metrics.LockOperations.WithLabelValues("release_order", "error").Inc()
		return 0, err
	}
	metrics.LockOperations.WithLabelValues("release_order", "ok").Inc()
	if n > 0 {
		logger.Ctx(ctx).Info().Int64("order_id", orderID).Int("released", n).Msg("order locks released")
	}
	return n, nil
}

// SweepExpired 删除所有已过期的锁
func (m *LockManager) SweepExpired(ctx context.Context) (int, error) {
	return m.sweep(ctx, m.clock())
}

func (m *LockManager) sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := m.store.SweepExpired(ctx, now)
	if err != nil {
		metrics.LockOperations.WithLabelValues("sweep", "error").Inc()
		return 0, err
	}
	metrics.LockOperations.WithLabelValues("sweep", "ok").Inc()
	if n > 0 {
		logger.Ctx(ctx).Info().Int("removed", n).Msg("expired locks swept")
	}
	return n, nil
}

// ReserveCoupons 为一个 Coupon 行保留 qty 个不同的券序列号。
// 先复用该行已持有的券锁，不足时从 ERP 空闲池补齐，并跳过被其他订单锁住的序列号。
func (m *LockManager) ReserveCoupons(ctx context.Context, line domain.OrderLine, parentArticle string, qty int) ([]domain.SerialLock, error) {
	ctx, span := m.tracer.Start(ctx, "odf.locks.reserve_coupons", trace.WithAttributes(
		attribute.Int64("line.id", line.ID),
		attribute.Int("quantity", qty),
	))
	defer span.End()

	now := m.clock()
	owned, err := m.store.ListByOrder(ctx, line.OrderID)
	if err != nil {
		return nil, err
	}

	// 1. 该行已持有的券锁
	var held []domain.SerialLock
	for _, l := range owned {
		if l.Kind == domain.LockKindCoupon && l.LineID == line.ID && !l.ExpiredAt(now) {
			held = append(held, l)
		}
	}
	sort.Slice(held, func(i, j int) bool { return held[i].SerialNumber < held[j].SerialNumber })
	if len(held) > qty {
		extra := make([]string, 0, len(held)-qty)
		for _, l := range held[qty:] {
			extra = append(extra, l.Key())
		}
		if err := m.Release(ctx, domain.OrderOwner(line.OrderID), extra); err != nil {
			return nil, err
		}
		held = held[:qty]
	}

	exclude := make([]string, 0, len(owned))
	for _, l := range owned {
		if l.Kind == domain.LockKindCoupon {
			exclude = append(exclude, l.SerialNumber)
		}
	}

	// 2. 从空闲池补齐
	for round := 0; round < couponPickRounds; round++ {
		need := qty - len(held)
		chosen, err := m.pickFree(ctx, line.ArticleCode, exclude, need, now)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		batch := make([]domain.SerialLock, 0, qty)
		batch = append(batch, held...)
		for _, serial := range chosen {
			batch = append(batch, domain.SerialLock{
				SerialNumber:      serial,
				Kind:              domain.LockKindCoupon,
				OrderID:           line.OrderID,
				Owner:             domain.OrderOwner(line.OrderID),
				LineID:            line.ID,
				ArticleCode:       line.ArticleCode,
				ParentArticleCode: parentArticle,
			})
		}

		err = m.Acquire(ctx, batch)
		if err == nil {
			for i := range batch {
				batch[i].ExpiresAt = now.Add(m.ttl)
			}
			return batch, nil
		}
		if !errors.Is(err, domain.ErrLockConflict) {
			return nil, err
		}
		// 其他订单在挑选和加锁之间抢先锁住了某些序列号，排除后重试
		exclude = append(exclude, chosen...)
	}
	return nil, errors.Wrapf(domain.ErrLockConflict, "coupon line %d: could not reserve %d serials", line.ID, qty)
}

// pickFree 从 ERP 池挑选 need 个未被其他订单锁住的序列号
func (m *LockManager) pickFree(ctx context.Context, articleCode string, exclude []string, need int, now time.Time) ([]string, error) {
	if need <= 0 {
		return nil, nil
	}
	var chosen []string
	skip := append([]string(nil), exclude...)
	for len(chosen) < need {
		free, err := m.coupons.FreeCouponSerials(ctx, articleCode, skip, (need-len(chosen))*2)
		if err != nil {
			return nil, err
		}
		if len(free) == 0 {
			return nil, errors.Wrapf(domain.ErrNotEnoughCoupons, "article %s: %d missing", articleCode, need-len(chosen))
		}

		keys := make([]string, 0, len(free))
		for _, c := range free {
			keys = append(keys, domain.LockKey(domain.LockKindCoupon, c.SerialNumber))
		}
		holders, err := m.store.Holders(ctx, keys)
		if err != nil {
			return nil, err
		}
		for _, c := range free {
			skip = append(skip, c.SerialNumber)
			if h, ok := holders[domain.LockKey(domain.LockKindCoupon, c.SerialNumber)]; ok && !h.ExpiredAt(now) {
				continue
			}
			if len(chosen) < need {
				chosen = append(chosen, c.SerialNumber)
			}
		}
	}
	return chosen, nil
}
