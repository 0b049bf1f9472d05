package adapter

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"odf/internal/service/odf/domain"
	"odf/internal/service/odf/domain/port"
)

// DefaultEligibilityRule 要求物料启用且允许走 ODF
const DefaultEligibilityRule = "article.active && article.odf_eligible"

// EligibilityCELAdapter 用 CEL 表达式判断物料资格。表达式中可用变量 article，
// 字段为 code, family, active, odf_eligible, serialized, description。
type EligibilityCELAdapter struct {
	expr string
	prg  cel.Program
}

var _ port.EligibilityRule = (*EligibilityCELAdapter)(nil)

// NewEligibilityCELAdapter 在启动时编译表达式，表达式错误直接返回
func NewEligibilityCELAdapter(expr string) (*EligibilityCELAdapter, error) {
	if expr == "" {
		expr = DefaultEligibilityRule
	}
	env, err := cel.NewEnv(
		cel.Variable("article", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile eligibility rule %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build eligibility rule %q: %w", expr, err)
	}
	return &EligibilityCELAdapter{expr: expr, prg: prg}, nil
}

func (a *EligibilityCELAdapter) Eligible(article domain.Article) (bool, error) {
	out, _, err := a.prg.Eval(map[string]interface{}{
		"article": map[string]interface{}{
			"code":         article.Code,
			"family":       article.Family,
			"active":       article.Active,
			"odf_eligible": article.OdfEligible,
			"serialized":   article.Serialized,
			"description":  article.Description,
		},
	})
	if err != nil {
		return false, fmt.Errorf("evaluate eligibility rule for %s: %w", article.Code, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("eligibility rule %q returned %T, want bool", a.expr, out.Value())
	}
	return ok, nil
}
