package infrastructure

import (
	"odf/internal/service/odf/domain"
)

// ToDomainOrder 将数据库模型转换为领域模型
func ToDomainOrder(m *OrderModel) *domain.Order {
	if m == nil {
		return nil
	}
	return &domain.Order{
		ID:          m.ID,
		Number:      m.Number,
		AffaireCode: m.AffaireCode,
		RequestID:   m.RequestID,
		UniqueID:    m.UniqueID.String,
		Status:      domain.OrderStatus(m.Status),
		CreatedBy:   m.CreatedBy,
	}
}

func ToDomainOrderLine(m OrderLineModel) domain.OrderLine {
	return domain.OrderLine{
		ID:           m.ID,
		OrderID:      m.OrderID,
		Type:         domain.LineType(m.LineType),
		ArticleCode:  m.ArticleCode,
		Quantity:     m.Quantity,
		SerialNumber: m.SerialNumber,
		ParentLineID: m.ParentLineID,
		Description:  m.Description,
	}
}

func ToDomainArticle(m ArticleModel) domain.Article {
	return domain.Article{
		Code:        m.Code,
		Family:      m.Family,
		Active:      m.Active,
		OdfEligible: m.OdfEligible,
		Serialized:  m.Serialized,
		Description: m.Description,
	}
}

func ToDomainMovement(m InventoryMovementModel) domain.InventoryMovement {
	return domain.InventoryMovement{
		ArticleCode:  m.ArticleCode,
		SerialNumber: m.SerialNumber,
		Quantity:     m.Quantity,
		UnitCost:     m.UnitCost,
		MovedAt:      m.MovedAt,
	}
}

// FromDomainManufacturingOrder 构造待插入的制造订单及其子表
func FromDomainManufacturingOrder(mo *domain.ManufacturingOrder) *FabricationOrderModel {
	m := &FabricationOrderModel{
		OrderID:           mo.OrderID,
		OrderNumber:       mo.OrderNumber,
		UniqueID:          mo.UniqueID,
		RemoteOrderNumber: mo.RemoteOrderNumber,
	}
	for _, l := range mo.Lines {
		m.Lines = append(m.Lines, FabricationOrderLineModel{
			SerialNumber:   l.SerialNumber,
			PartNumber:     l.PartNumber,
			Quantity:       l.Quantity,
			ServiceEndDate: l.ServiceEndDate,
		})
	}
	for _, c := range mo.Coupons {
		m.Coupons = append(m.Coupons, FabricationCouponModel{
			CouponLineID:  c.CouponLineID,
			CouponSerial:  c.CouponSerial,
			CouponArticle: c.CouponArticle,
			ParentSerial:  c.ParentSerial,
			ParentArticle: c.ParentArticle,
			Passcode:      c.Passcode,
			DateStartSubs: c.DateStartSubs,
			DateEndSubs:   c.DateEndSubs,
			CostBasis:     c.CostBasis,
		})
	}
	return m
}
