// internal/service/odf/domain/step.go
package domain

// Step 是校验流水线中的一个步骤，顺序固定
type Step string

const (
	StepInitialisation Step = "initialisation"
	StepArticleCheck   Step = "article_check"
	StepAffaireCheck   Step = "affaire_check"
	StepSerialCheck    Step = "serial_check"
	StepCouponCheck    Step = "coupon_check"
)

// Steps 是流水线的执行顺序
var Steps = []Step{
	StepInitialisation,
	StepArticleCheck,
	StepAffaireCheck,
	StepSerialCheck,
	StepCouponCheck,
}

var stepProgress = map[Step]int{
	StepInitialisation: 20,
	StepArticleCheck:   40,
	StepAffaireCheck:   60,
	StepSerialCheck:    80,
	StepCouponCheck:    100,
}

// ParseStep 校验步骤名
func ParseStep(s string) (Step, error) {
	step := Step(s)
	if _, ok := stepProgress[step]; !ok {
		return "", ErrUnknownStep
	}
	return step, nil
}

// Progress 返回该步骤成功后的进度百分比
func (s Step) Progress() int {
	return stepProgress[s]
}

// Next 返回下一个步骤；最后一步返回 false
func (s Step) Next() (Step, bool) {
	for i, step := range Steps {
		if step == s && i+1 < len(Steps) {
			return Steps[i+1], true
		}
	}
	return "", false
}

func (s Step) IsLast() bool {
	return s == Steps[len(Steps)-1]
}

// 校验之后的阶段，不属于流水线的步骤表
const (
	StageCreateOrder   Step = "create_order"
	StagePollOrder     Step = "poll_order"
	StagePasscodes     Step = "passcodes"
	StageManufacturing Step = "manufacturing_order"
	StageCancel        Step = "cancel"
)
