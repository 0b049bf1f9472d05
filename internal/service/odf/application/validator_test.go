package application

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odf/internal/service/odf/domain"
)

func article(id int64, code, serial string, qty int) domain.OrderLine {
	return domain.OrderLine{ID: id, OrderID: 1, Type: domain.LineTypeArticle, ArticleCode: code, SerialNumber: serial, Quantity: qty}
}

func coupon(id int64, code string, parent int64, qty int) domain.OrderLine {
	return domain.OrderLine{ID: id, OrderID: 1, Type: domain.LineTypeCoupon, ArticleCode: code, ParentLineID: parent, Quantity: qty}
}

func newTestValidator() (*Validator, *fakeErp) {
	erp := newFakeErp()
	erp.articles["A1"] = domain.Article{Code: "A1", Active: true, OdfEligible: true}
	erp.articles["C1"] = domain.Article{Code: "C1", Active: true, OdfEligible: true}
	erp.articles["OLD"] = domain.Article{Code: "OLD", Active: false, OdfEligible: true}
	erp.stock["A1"] = 10
	erp.stock["C1"] = 50
	return NewValidator(erp, allowActive, 20), erp
}

func TestValidator_StockShortfall(t *testing.T) {
	v, erp := newTestValidator()
	erp.stock["A1"] = 1

	report, err := v.Validate(context.Background(), []domain.OrderLine{
		article(1, "A1", "S1", 1),
		article(2, "A1", "S2", 1),
	})
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{"insufficient stock for A1: demanded 2, available 1"}, report.Issues)
	assert.Equal(t, 2, report.DemandByArticle["A1"])
	assert.Equal(t, 1, erp.stockCalls, "stock is read once per validation")
}

func TestValidator_SingleLineShortfall(t *testing.T) {
	v, erp := newTestValidator()
	erp.stock["A1"] = 1

	report, err := v.Validate(context.Background(), []domain.OrderLine{article(1, "A1", "S1", 2)})
	require.NoError(t, err)
	assert.Equal(t, []string{"insufficient stock for A1: demanded 2, available 1"}, report.Issues)
}

func TestValidator_DuplicateSerial(t *testing.T) {
	v, _ := newTestValidator()

	report, err := v.Validate(context.Background(), []domain.OrderLine{
		article(1, "A1", "S1", 1),
		article(2, "A1", "S1", 1),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"line 2 (A1): serial S1 is already used by line 1"}, report.Issues)
	require.Len(t, report.SerialsToCheck, 1)
	assert.Equal(t, int64(1), report.SerialsToCheck[0].ID)
}

func TestValidator_QuantityCeiling(t *testing.T) {
	v, _ := newTestValidator()

	report, err := v.Validate(context.Background(), []domain.OrderLine{article(1, "A1", "S1", 1), coupon(2, "C1", 1, 20)})
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Issues)
	assert.Equal(t, 20, report.CouponQuantity)

	report, err = v.Validate(context.Background(), []domain.OrderLine{article(1, "A1", "S1", 1), coupon(2, "C1", 1, 21)})
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "exceeds the limit of 20")
}

func TestValidator_LineIssues(t *testing.T) {
	v, _ := newTestValidator()

	report, err := v.Validate(context.Background(), []domain.OrderLine{
		article(1, "A1", "", 1),
		coupon(2, "C1", 99, 1),
		article(3, "OLD", "S3", 1),
		article(4, "NOPE", "S4", 1),
		article(5, "A1", "S5", 0),
	})
	require.NoError(t, err)
	require.Len(t, report.Issues, 5)
	assert.Contains(t, report.Issues[0], "serial number is required")
	assert.Contains(t, report.Issues[1], "parent line 99")
	assert.Contains(t, report.Issues[2], "not eligible")
	assert.Contains(t, report.Issues[3], "unknown article")
	assert.Contains(t, report.Issues[4], "quantity must be positive")
	assert.Empty(t, report.SerialsToCheck)
}

func TestValidator_RuleError(t *testing.T) {
	erp := newFakeErp()
	erp.articles["A1"] = domain.Article{Code: "A1"}
	erp.stock["A1"] = 1
	v := NewValidator(erp, ruleFunc(func(domain.Article) (bool, error) { return false, errors.New("rule broke") }), 20)

	report, err := v.Validate(context.Background(), []domain.OrderLine{article(1, "A1", "S1", 1)})
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "rule broke")
}
