// internal/service/odf/domain/order.go
package domain

import "fmt"

// OrderStatus 是 ERP 中订单头的状态
type OrderStatus string

const (
	OrderStatusOpen   OrderStatus = "open"
	OrderStatusClosed OrderStatus = "closed"
)

// Order 是待履约的 ODF 销售订单 (pcdid / pcdnum)。
// 流水线只写 UniqueID 和最终状态，从不删除订单。
type Order struct {
	ID          int64  // pcdid
	Number      string // pcdnum
	AffaireCode string
	RequestID   int64 // 发起履约的请求
	UniqueID    string
	Status      OrderStatus
	CreatedBy   string
}

// HasUniqueID 表示外部订单已经创建
func (o *Order) HasUniqueID() bool {
	return o.UniqueID != ""
}

// CorrelationID 随每次外部调用传递，用于审计
func (o *Order) CorrelationID() string {
	return fmt.Sprintf("odf-%d-%s", o.ID, o.Number)
}

func (o *Order) IsClosed() bool {
	return o.Status == OrderStatusClosed
}

// LineType 区分订单行
type LineType string

const (
	LineTypeArticle LineType = "Article"
	LineTypeCoupon  LineType = "Coupon"
)

// OrderLine 属于唯一的订单。Coupon 行通过 ParentLineID 指向同一订单中的 Article 行。
type OrderLine struct {
	ID           int64
	OrderID      int64
	Type         LineType
	ArticleCode  string
	Quantity     int
	SerialNumber string
	ParentLineID int64
	Description  string
}

func (l OrderLine) IsCoupon() bool  { return l.Type == LineTypeCoupon }
func (l OrderLine) IsArticle() bool { return l.Type == LineTypeArticle }

// IndexLines 按行 ID 建立索引
func IndexLines(lines []OrderLine) map[int64]OrderLine {
	idx := make(map[int64]OrderLine, len(lines))
	for _, l := range lines {
		idx[l.ID] = l
	}
	return idx
}

// ResolveParent 返回 Coupon 行的父 Article 行
func ResolveParent(idx map[int64]OrderLine, coupon OrderLine) (OrderLine, error) {
	parent, ok := idx[coupon.ParentLineID]
	if !ok || !parent.IsArticle() || parent.OrderID != coupon.OrderID {
		return OrderLine{}, fmt.Errorf("coupon line %d: parent line %d is not an article line of order %d",
			coupon.ID, coupon.ParentLineID, coupon.OrderID)
	}
	return parent, nil
}

// Article 是 ERP 物料主数据，资格规则的输入
type Article struct {
	Code        string
	Family      string
	Active      bool
	OdfEligible bool
	Serialized  bool
	Description string
}

// StockSnapshot 是某一时刻各物料的可用库存，每次校验重新读取
type StockSnapshot map[string]int

// Affaire 是订单所属的 ERP 业务案
type Affaire struct {
	Code       string
	ClientCode string
	Status     string
}

const AffaireStatusOpen = "open"

func (a *Affaire) IsOpen() bool {
	return a != nil && a.Status == AffaireStatusOpen
}

// CouponSerialStatus 是券序列号池中的状态
type CouponSerialStatus string

const (
	CouponSerialFree     CouponSerialStatus = "free"
	CouponSerialConsumed CouponSerialStatus = "consumed"
)

// CouponSerial 是 ERP 的券序列号
type CouponSerial struct {
	SerialNumber string
	ArticleCode  string
	Status       CouponSerialStatus
	OrderID      int64
}
