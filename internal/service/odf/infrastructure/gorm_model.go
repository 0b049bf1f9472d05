package infrastructure

import (
	"database/sql"
	"time"

	"gorm.io/gorm"
)

// OrderModel 对应 ERP 中的 odf_order 表
type OrderModel struct {
	ID          int64          `gorm:"column:pcdid;primaryKey"`
	Number      string         `gorm:"column:pcdnum;size:64;uniqueIndex"`
	AffaireCode string         `gorm:"size:64"`
	RequestID   int64          `gorm:"index"`
	UniqueID    sql.NullString `gorm:"size:128"`
	Status      string         `gorm:"size:16;default:open"`
	CreatedBy   string         `gorm:"size:64"`
	UpdatedAt   time.Time
}

func (OrderModel) TableName() string {
	return "odf_order"
}

// OrderLineModel 对应 odf_order_line 表
type OrderLineModel struct {
	ID           int64  `gorm:"primaryKey"`
	OrderID      int64  `gorm:"index;not null"`
	LineType     string `gorm:"size:16;not null"`
	ArticleCode  string `gorm:"size:64;not null"`
	Quantity     int
	SerialNumber string `gorm:"size:128"`
	ParentLineID int64
	Description  string `gorm:"type:text"`
}

func (OrderLineModel) TableName() string {
	return "odf_order_line"
}

// ArticleModel 对应物料主数据 article 表
type ArticleModel struct {
	Code        string `gorm:"primaryKey;size:64"`
	Family      string `gorm:"size:64"`
	Active      bool
	OdfEligible bool
	Serialized  bool
	Description string `gorm:"type:text"`
}

func (ArticleModel) TableName() string {
	return "article"
}

// StockModel 对应 stock 表，每个物料一行可用数量
type StockModel struct {
	ArticleCode string `gorm:"primaryKey;size:64"`
	Available   int
	UpdatedAt   time.Time
}

func (StockModel) TableName() string {
	return "stock"
}

// AffaireModel 对应 affaire 表
type AffaireModel struct {
	Code       string `gorm:"primaryKey;size:64"`
	ClientCode string `gorm:"size:64"`
	Status     string `gorm:"size:16"`
}

func (AffaireModel) TableName() string {
	return "affaire"
}

// CouponSerialModel 对应券序列号池 coupon_serial 表
type CouponSerialModel struct {
	SerialNumber string        `gorm:"primaryKey;size:128"`
	ArticleCode  string        `gorm:"size:64;index:idx_coupon_article_status"`
	Status       string        `gorm:"size:16;default:free;index:idx_coupon_article_status"`
	OrderID      sql.NullInt64 `gorm:"index"`
	ConsumedAt   sql.NullTime
}

func (CouponSerialModel) TableName() string {
	return "coupon_serial"
}

// InventoryMovementModel 对应库存历史 inventory_movement 表
type InventoryMovementModel struct {
	ID           int64  `gorm:"primaryKey"`
	ArticleCode  string `gorm:"size:64;index"`
	SerialNumber string `gorm:"size:128"`
	Quantity     int
	UnitCost     float64 `gorm:"type:decimal(12,4)"`
	MovedAt      time.Time
}

func (InventoryMovementModel) TableName() string {
	return "inventory_movement"
}

// FabricationOrderModel 对应制造订单 fabrication_order 表
type FabricationOrderModel struct {
	gorm.Model
	OrderID           int64  `gorm:"uniqueIndex"`
	OrderNumber       string `gorm:"size:64"`
	UniqueID          string `gorm:"size:128"`
	RemoteOrderNumber string `gorm:"size:64"`

	Lines   []FabricationOrderLineModel `gorm:"foreignKey:FabricationOrderID"`
	Coupons []FabricationCouponModel    `gorm:"foreignKey:FabricationOrderID"`
}

func (FabricationOrderModel) TableName() string {
	return "fabrication_order"
}

type FabricationOrderLineModel struct {
	ID                 int64 `gorm:"primaryKey"`
	FabricationOrderID uint  `gorm:"index"`
	SerialNumber       string
	PartNumber         string
	Quantity           int
	ServiceEndDate     string `gorm:"size:32"`
}

func (FabricationOrderLineModel) TableName() string {
	return "fabrication_order_line"
}

type FabricationCouponModel struct {
	ID                 int64 `gorm:"primaryKey"`
	FabricationOrderID uint  `gorm:"index"`
	CouponLineID       int64
	CouponSerial       string `gorm:"size:128"`
	CouponArticle      string `gorm:"size:64"`
	ParentSerial       string `gorm:"size:128"`
	ParentArticle      string `gorm:"size:64"`
	Passcode           string `gorm:"size:128"`
	DateStartSubs      string `gorm:"size:32"`
	DateEndSubs        string `gorm:"size:32"`
	CostBasis          float64 `gorm:"type:decimal(12,4)"`
}

func (FabricationCouponModel) TableName() string {
	return "fabrication_coupon"
}

// RequestModel 是发起履约的请求 odf_request 表
type RequestModel struct {
	ID       int64  `gorm:"primaryKey"`
	Status   string `gorm:"size:16"`
	ClosedAt sql.NullTime
}

func (RequestModel) TableName() string {
	return "odf_request"
}
