// internal/service/odf/domain/manufacturing.go
package domain

import "time"

// ManufacturingOrder 是提交给 ERP 的制造 (fabrication) 订单
type ManufacturingOrder struct {
	OrderID           int64               `json:"orderId"`
	OrderNumber       string              `json:"orderNumber"`
	RequestID         int64               `json:"requestId"`
	UniqueID          string              `json:"uniqueId"`
	RemoteOrderNumber string              `json:"remoteOrderNumber"`
	Lines             []ManufacturingLine `json:"lines"`
	Coupons           []CouponRecord      `json:"coupons"`
	CreatedAt         time.Time           `json:"createdAt"`
}

// ManufacturingLine 是按 (serial, partNumber) 合并后的外部订单行
type ManufacturingLine struct {
	SerialNumber   string `json:"serialNumber"`
	PartNumber     string `json:"partNumber"`
	Quantity       int    `json:"quantity"`
	ServiceEndDate string `json:"serviceEndDate"`
}

// CouponRecord 是每个券单位一条的记录
type CouponRecord struct {
	CouponLineID  int64   `json:"couponLineId"`
	CouponSerial  string  `json:"couponSerial"`
	CouponArticle string  `json:"couponArticle"`
	ParentSerial  string  `json:"parentSerial"`
	ParentArticle string  `json:"parentArticle"`
	Passcode      string  `json:"passcode"`
	DateStartSubs string  `json:"dateStartSubs"`
	DateEndSubs   string  `json:"dateEndSubs"`
	CostBasis     float64 `json:"costBasis"`
}

// CouponSerials 返回所有券序列号
func (m *ManufacturingOrder) CouponSerials() []string {
	out := make([]string, 0, len(m.Coupons))
	for _, c := range m.Coupons {
		out = append(out, c.CouponSerial)
	}
	return out
}

// InventoryMovement 是库存历史，用于计算加权成本
type InventoryMovement struct {
	ArticleCode  string
	SerialNumber string
	Quantity     int
	UnitCost     float64
	MovedAt      time.Time
}

// WeightedCost 计算 Σ(qty·unitCost)/Σqty；没有正数量的记录时返回 0
func WeightedCost(moves []InventoryMovement) float64 {
	var qty int
	var total float64
	for _, m := range moves {
		if m.Quantity <= 0 {
			continue
		}
		qty += m.Quantity
		total += float64(m.Quantity) * m.UnitCost
	}
	if qty == 0 {
		return 0
	}
	return total / float64(qty)
}

// GroupRemoteLines 按 (serial, partNumber) 合并行：数量求和，保留较晚的结束日期。保持首次出现的顺序。
func GroupRemoteLines(lines []RemoteOrderLine) []ManufacturingLine {
	type key struct{ serial, part string }
	pos := make(map[key]int)
	out := make([]ManufacturingLine, 0, len(lines))
	for _, l := range lines {
		k := key{l.SerialNumber, l.PartNumber}
		if i, ok := pos[k]; ok {
			out[i].Quantity += l.Quantity
			out[i].ServiceEndDate = LaterEndDate(out[i].ServiceEndDate, l.ServiceEndDate)
			continue
		}
		pos[k] = len(out)
		out = append(out, ManufacturingLine{
			SerialNumber:   l.SerialNumber,
			PartNumber:     l.PartNumber,
			Quantity:       l.Quantity,
			ServiceEndDate: l.ServiceEndDate,
		})
	}
	return out
}
