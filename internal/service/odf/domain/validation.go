// internal/service/odf/domain/validation.go
package domain

import "fmt"

// ValidationReport 是库存与物料校验的结果。Issues 非空即整个步骤失败。
type ValidationReport struct {
	EligibleLines   []OrderLine    `json:"eligibleLines"`
	DemandByArticle map[string]int `json:"demandByArticle"`
	CouponQuantity  int            `json:"couponQuantity"`
	SerialsToCheck  []OrderLine    `json:"serialsToCheck"`
	Issues          []string       `json:"issues,omitempty"`
}

func NewValidationReport() *ValidationReport {
	return &ValidationReport{DemandByArticle: make(map[string]int)}
}

func (r *ValidationReport) OK() bool { return len(r.Issues) == 0 }

func (r *ValidationReport) AddIssue(format string, args ...interface{}) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
}
