package infrastructure

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"odf/internal/service/odf/domain"
)

// GormErpRepository 是 domain.ErpRepository 的 GORM 实现
type GormErpRepository struct {
	db *gorm.DB
}

var _ domain.ErpRepository = (*GormErpRepository)(nil)

// NewGormErpRepository 创建一个新的 GORM 仓储实例
func NewGormErpRepository(db *gorm.DB) *GormErpRepository {
	return &GormErpRepository{db: db}
}

func (r *GormErpRepository) FindOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("pcdid = ?", orderID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrOrderNotFound, "pcdid %d", orderID)
		}
		return nil, errors.Wrap(err, "find order")
	}
	return ToDomainOrder(&model), nil
}

func (r *GormErpRepository) FindOrderLines(ctx context.Context, orderID int64) ([]domain.OrderLine, error) {
	var models []OrderLineModel
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "find order lines")
	}
	lines := make([]domain.OrderLine, 0, len(models))
	for _, m := range models {
		lines = append(lines, ToDomainOrderLine(m))
	}
	return lines, nil
}

// SetUniqueID 只在 unique_id 为空时写入：UPDATE ... WHERE unique_id IS NULL 即 compare-and-set
func (r *GormErpRepository) SetUniqueID(ctx context.Context, orderID int64, uniqueID string) error {
	res := r.db.WithContext(ctx).Model(&OrderModel{}).
		Where("pcdid = ? AND (unique_id IS NULL OR unique_id = '')", orderID).
		Update("unique_id", sql.NullString{String: uniqueID, Valid: true})
	if res.Error != nil {
		return errors.Wrap(res.Error, "set unique id")
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&OrderModel{}).Where("pcdid = ?", orderID).Count(&count).Error; err != nil {
		return errors.Wrap(err, "set unique id")
	}
	if count == 0 {
		return errors.Wrapf(domain.ErrOrderNotFound, "pcdid %d", orderID)
	}
	return errors.Wrapf(domain.ErrUniqueIDAlreadySet, "pcdid %d", orderID)
}

// AvailableStock 每次直接查询 stock 表；未登记的物料视为 0
func (r *GormErpRepository) AvailableStock(ctx context.Context, articleCodes []string) (domain.StockSnapshot, error) {
	snap := make(domain.StockSnapshot, len(articleCodes))
	if len(articleCodes) == 0 {
		return snap, nil
	}
	var models []StockModel
	if err := r.db.WithContext(ctx).Where("article_code IN ?", articleCodes).Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "read stock")
	}
	for _, code := range articleCodes {
		snap[code] = 0
	}
	for _, m := range models {
		snap[m.ArticleCode] = m.Available
	}
	return snap, nil
}

func (r *GormErpRepository) FindArticles(ctx context.Context, codes []string) (map[string]domain.Article, error) {
	out := make(map[string]domain.Article, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	var models []ArticleModel
	if err := r.db.WithContext(ctx).Where("code IN ?", codes).Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "find articles")
	}
	for _, m := range models {
		out[m.Code] = ToDomainArticle(m)
	}
	return out, nil
}

func (r *GormErpRepository) FindAffaire(ctx context.Context, code string) (*domain.Affaire, error) {
	var model AffaireModel
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrAffaireNotFound, "affaire %q", code)
		}
		return nil, errors.Wrap(err, "find affaire")
	}
	return &domain.Affaire{Code: model.Code, ClientCode: model.ClientCode, Status: model.Status}, nil
}

func (r *GormErpRepository) FreeCouponSerials(ctx context.Context, articleCode string, exclude []string, limit int) ([]domain.CouponSerial, error) {
	q := r.db.WithContext(ctx).
		Where("article_code = ? AND status = ?", articleCode, string(domain.CouponSerialFree))
	if len(exclude) > 0 {
		q = q.Where("serial_number NOT IN ?", exclude)
	}
	var models []CouponSerialModel
	if err := q.Order("serial_number").Limit(limit).Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "find free coupon serials")
	}
	out := make([]domain.CouponSerial, 0, len(models))
	for _, m := range models {
		out = append(out, domain.CouponSerial{
			SerialNumber: m.SerialNumber,
			ArticleCode:  m.ArticleCode,
			Status:       domain.CouponSerialStatus(m.Status),
		})
	}
	return out, nil
}

func (r *GormErpRepository) MovementsForArticle(ctx context.Context, articleCode string) ([]domain.InventoryMovement, error) {
	var models []InventoryMovementModel
	if err := r.db.WithContext(ctx).Where("article_code = ?", articleCode).Order("moved_at").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "read inventory history")
	}
	out := make([]domain.InventoryMovement, 0, len(models))
	for _, m := range models {
		out = append(out, ToDomainMovement(m))
	}
	return out, nil
}

// SubmitFabricationOrder 在一个事务中完成：
// 1. 关闭订单; 2. 消耗券序列号; 3. 插入制造订单及其行; 4. 关闭请求
// 关闭订单是第一条语句，并发提交同一订单时只有一个事务能把状态从 open 改为 closed。
func (r *GormErpRepository) SubmitFabricationOrder(ctx context.Context, mo *domain.ManufacturingOrder) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 条件更新，已经关闭的订单不会再次生成制造订单
		res := tx.Model(&OrderModel{}).
			Where("pcdid = ? AND status <> ?", mo.OrderID, string(domain.OrderStatusClosed)).
			Update("status", string(domain.OrderStatusClosed))
		if res.Error != nil {
			return errors.Wrap(res.Error, "close order")
		}
		if res.RowsAffected != 1 {
			return errors.Wrapf(domain.ErrOrderClosed, "order %s", mo.OrderNumber)
		}

		// 2. 券序列号必须仍是空闲状态
		if serials := mo.CouponSerials(); len(serials) > 0 {
			res := tx.Model(&CouponSerialModel{}).
				Where("serial_number IN ? AND status = ?", serials, string(domain.CouponSerialFree)).
				Updates(map[string]interface{}{
					"status":      string(domain.CouponSerialConsumed),
					"order_id":    mo.OrderID,
					"consumed_at": mo.CreatedAt,
				})
			if res.Error != nil {
				return errors.Wrap(res.Error, "consume coupon serials")
			}
			if res.RowsAffected != int64(len(serials)) {
				return errors.Wrapf(domain.ErrNotEnoughCoupons, "only %d of %d coupon serials still free", res.RowsAffected, len(serials))
			}
		}

		// 3. 制造订单，GORM 会一并插入关联的行
		model := FromDomainManufacturingOrder(mo)
		if err := tx.Create(model).Error; err != nil {
			return errors.Wrap(err, "insert fabrication order")
		}

		// 4. 关闭发起请求
		if mo.RequestID != 0 {
			if err := tx.Model(&RequestModel{}).Where("id = ?", mo.RequestID).
				Updates(map[string]interface{}{
					"status":    "closed",
					"closed_at": mo.CreatedAt,
				}).Error; err != nil {
				return errors.Wrap(err, "close request")
			}
		}
		return nil
	})
}
