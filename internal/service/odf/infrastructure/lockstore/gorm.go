// internal/service/odf/infrastructure/lockstore/gorm.go
package lockstore

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

const (
	mysqlDuplicateEntry   = 1062
	mysqlLockWaitTimeout  = 1205
	mysqlDeadlockDetected = 1213
)

// SerialLockModel 是 serial_lock 表，每个锁键一行
type SerialLockModel struct {
	LockKey           string    `gorm:"primaryKey;size:191"`
	SerialNumber      string    `gorm:"size:128;not null"`
	Kind              string    `gorm:"size:16;not null"`
	OrderID           int64     `gorm:"index;not null"`
	Owner             string    `gorm:"size:64;not null"`
	LineID            int64     `gorm:"not null;default:0"`
	ArticleCode       string    `gorm:"size:64"`
	ParentArticleCode string    `gorm:"size:64"`
	ExpiresAt         time.Time `gorm:"index;not null"`
	UpdatedAt         time.Time
}

func (SerialLockModel) TableName() string {
	return "serial_lock"
}

func toLockModel(l domain.SerialLock) SerialLockModel {
	return SerialLockModel{
		LockKey:           l.Key(),
		SerialNumber:      l.SerialNumber,
		Kind:              string(l.Kind),
		OrderID:           l.OrderID,
		Owner:             l.Owner,
		LineID:            l.LineID,
		ArticleCode:       l.ArticleCode,
		ParentArticleCode: l.ParentArticleCode,
		ExpiresAt:         l.ExpiresAt,
	}
}

func (m SerialLockModel) toDomain() domain.SerialLock {
	return domain.SerialLock{
		SerialNumber:      m.SerialNumber,
		Kind:              domain.LockKind(m.Kind),
		OrderID:           m.OrderID,
		Owner:             m.Owner,
		LineID:            m.LineID,
		ArticleCode:       m.ArticleCode,
		ParentArticleCode: m.ParentArticleCode,
		ExpiresAt:         m.ExpiresAt,
	}
}

// GormStore 是 port.LockStore 的 MySQL 实现：事务内 SELECT ... FOR UPDATE 检查，
// 主键冲突、死锁和锁等待超时都视为并发加锁冲突。
// 两个事务对同一个不存在的键加间隙锁后同时插入时，InnoDB 回滚其中一个并返回 1213。
type GormStore struct {
	db *gorm.DB
}

var _ port.LockStore = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Acquire(ctx context.Context, locks []domain.SerialLock, now time.Time) error {
	keys := make([]string, 0, len(locks))
	for _, l := range locks {
		keys = append(keys, l.Key())
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 锁住已存在的行
		var existing []SerialLockModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("lock_key IN ?", keys).Find(&existing).Error; err != nil {
			return errors.Wrap(err, "select locks for update")
		}
		byKey := make(map[string]SerialLockModel, len(existing))
		for _, m := range existing {
			byKey[m.LockKey] = m
		}

		// 2. 检查冲突
		for _, l := range locks {
			if cur, ok := byKey[l.Key()]; ok && conflicts(cur.toDomain(), l, now) {
				return conflictError(cur.toDomain())
			}
		}

		// 3. 写入：已有行覆盖，新行插入
		for _, l := range locks {
			m := toLockModel(l)
			if _, ok := byKey[m.LockKey]; ok {
				if err := tx.Model(&SerialLockModel{}).Where("lock_key = ?", m.LockKey).
					Select("*").Omit("lock_key").Updates(&m).Error; err != nil {
					return errors.Wrapf(err, "refresh lock %s", m.LockKey)
				}
				continue
			}
			if err := tx.Create(&m).Error; err != nil {
				if isDuplicateKey(err) {
					return errors.Wrapf(domain.ErrLockConflict, "%s inserted concurrently", m.LockKey)
				}
				return errors.Wrapf(err, "insert lock %s", m.LockKey)
			}
		}
		return nil
	})
	if isLockContention(err) {
		return errors.Wrapf(domain.ErrLockConflict, "locks %v changed concurrently: %v", keys, err)
	}
	return err
}

func (s *GormStore) Release(ctx context.Context, owner string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("lock_key IN ? AND owner = ?", keys, owner).Delete(&SerialLockModel{}).Error; err != nil {
		return errors.Wrap(err, "gorm lock store: release")
	}
	return nil
}

func (s *GormStore) ReleaseOrder(ctx context.Context, orderID int64) (int, error) {
	res := s.db.WithContext(ctx).Where("order_id = ?", orderID).Delete(&SerialLockModel{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "gorm lock store: release order")
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&SerialLockModel{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "gorm lock store: sweep")
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Holders(ctx context.Context, keys []string) (map[string]domain.SerialLock, error) {
	out := make(map[string]domain.SerialLock, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	var rows []SerialLockModel
	if err := s.db.WithContext(ctx).Where("lock_key IN ?", keys).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "gorm lock store: holders")
	}
	for _, m := range rows {
		out[m.LockKey] = m.toDomain()
	}
	return out, nil
}

func (s *GormStore) ListByOrder(ctx context.Context, orderID int64) ([]domain.SerialLock, error) {
	var rows []SerialLockModel
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "gorm lock store: list by order")
	}
	out := make([]domain.SerialLock, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out, nil
}

// isLockContention 识别 InnoDB 的死锁回滚和锁等待超时
func isLockContention(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlockDetected || myErr.Number == mysqlLockWaitTimeout
	}
	return false
}

// isDuplicateKey 识别 MySQL 的主键/唯一索引冲突
func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
