// internal/service/odf/domain/repository.go
package domain

import "context"

// OrderRepository 读取订单，并以 compare-and-set 写入外部订单句柄
type OrderRepository interface {
	FindOrder(ctx context.Context, orderID int64) (*Order, error)
	FindOrderLines(ctx context.Context, orderID int64) ([]OrderLine, error)
	// SetUniqueID 仅当 UniqueID 为空时写入，否则返回 ErrUniqueIDAlreadySet
	SetUniqueID(ctx context.Context, orderID int64, uniqueID string) error
}

// StockReader 每次调用都读取最新库存，不缓存
type StockReader interface {
	AvailableStock(ctx context.Context, articleCodes []string) (StockSnapshot, error)
}

type ArticleRepository interface {
	FindArticles(ctx context.Context, codes []string) (map[string]Article, error)
}

type AffaireRepository interface {
	FindAffaire(ctx context.Context, code string) (*Affaire, error)
}

type CouponRepository interface {
	// FreeCouponSerials 返回池中空闲的券序列号，跳过 exclude 中的序列号
	FreeCouponSerials(ctx context.Context, articleCode string, exclude []string, limit int) ([]CouponSerial, error)
}

type InventoryRepository interface {
	MovementsForArticle(ctx context.Context, articleCode string) ([]InventoryMovement, error)
}

type FabricationRepository interface {
	// SubmitFabricationOrder 在一个事务里写入制造订单、消耗券序列号、关闭订单和请求
	SubmitFabricationOrder(ctx context.Context, mo *ManufacturingOrder) error
}

// ErpRepository 是流水线对 ERP 数据库的全部需求
type ErpRepository interface {
	OrderRepository
	StockReader
	ArticleRepository
	AffaireRepository
	CouponRepository
	InventoryRepository
	FabricationRepository
}
