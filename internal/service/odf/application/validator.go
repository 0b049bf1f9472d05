// internal/service/odf/application/validator.go
package application

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

// ValidatorRepository 是校验需要的 ERP 读取能力
type ValidatorRepository interface {
	domain.ArticleRepository
	domain.StockReader
}

// Validator 校验数量、物料资格和库存。只读，可重复调用。
type Validator struct {
	erp         ValidatorRepository
	rule        port.EligibilityRule
	maxQuantity int
}

func NewValidator(erp ValidatorRepository, rule port.EligibilityRule, maxQuantity int) *Validator {
	return &Validator{erp: erp, rule: rule, maxQuantity: maxQuantity}
}

// Validate 返回校验报告；只有读取 ERP 失败时返回 error
func (v *Validator) Validate(ctx context.Context, lines []domain.OrderLine) (*domain.ValidationReport, error) {
	report := domain.NewValidationReport()
	idx := domain.IndexLines(lines)

	// 1. 读取涉及的物料主数据
	codes := make([]string, 0, len(lines))
	seen := make(map[string]bool)
	for _, l := range lines {
		if !seen[l.ArticleCode] {
			seen[l.ArticleCode] = true
			codes = append(codes, l.ArticleCode)
		}
	}
	articles, err := v.erp.FindArticles(ctx, codes)
	if err != nil {
		return nil, errors.Wrap(err, "validator: load articles")
	}
	authorized := func(code string) (bool, string) {
		article, ok := articles[code]
		if !ok {
			return false, "unknown article"
		}
		eligible, err := v.rule.Eligible(article)
		if err != nil {
			return false, err.Error()
		}
		if !eligible {
			return false, "not eligible for ODF"
		}
		return true, ""
	}

	// 2. 逐行检查，同一序列号只能出现在一个 Article 行
	serialLine := make(map[string]int64)
	for _, l := range lines {
		if l.Quantity <= 0 {
			report.AddIssue("line %d (%s): quantity must be positive, got %d", l.ID, l.ArticleCode, l.Quantity)
			continue
		}
		if ok, reason := authorized(l.ArticleCode); !ok {
			report.AddIssue("line %d: article %s %s", l.ID, l.ArticleCode, reason)
			continue
		}

		switch l.Type {
		case domain.LineTypeCoupon:
			parent, err := domain.ResolveParent(idx, l)
			if err != nil {
				report.AddIssue("%s", err.Error())
				continue
			}
			if ok, _ := authorized(parent.ArticleCode); ok {
				report.CouponQuantity += l.Quantity
			}
		case domain.LineTypeArticle:
			if l.SerialNumber == "" {
				report.AddIssue("line %d (%s): serial number is required", l.ID, l.ArticleCode)
				continue
			}
			if first, dup := serialLine[l.SerialNumber]; dup {
				report.AddIssue("line %d (%s): serial %s is already used by line %d", l.ID, l.ArticleCode, l.SerialNumber, first)
				continue
			}
			serialLine[l.SerialNumber] = l.ID
			report.SerialsToCheck = append(report.SerialsToCheck, l)
		default:
			report.AddIssue("line %d: unknown line type %q", l.ID, l.Type)
			continue
		}

		report.EligibleLines = append(report.EligibleLines, l)
		report.DemandByArticle[l.ArticleCode] += l.Quantity
	}

	// 3. 整单上限
	if report.CouponQuantity > v.maxQuantity {
		report.AddIssue("order quantity %d exceeds the limit of %d units", report.CouponQuantity, v.maxQuantity)
	}

	// 4. 一次性读取最新库存
	if len(report.DemandByArticle) > 0 {
		demanded := make([]string, 0, len(report.DemandByArticle))
		for code := range report.DemandByArticle {
			demanded = append(demanded, code)
		}
		sort.Strings(demanded)

		stock, err := v.erp.AvailableStock(ctx, demanded)
		if err != nil {
			return nil, errors.Wrap(err, "validator: read stock")
		}
		for _, code := range demanded {
			if want, have := report.DemandByArticle[code], stock[code]; want > have {
				report.AddIssue("insufficient stock for %s: demanded %d, available %d", code, want, have)
			}
		}
	}
	return report, nil
}
