// internal/service/odf/domain/activation.go
package domain

import "time"

// NoSubscription 是没有有效订阅时的结束日期
const NoSubscription = "no subscription"

const DateLayout = "2006-01-02"

// Activation 是激活服务按序列号返回的订阅记录
type Activation struct {
	SerialNumber     string `json:"serialNumber"`
	PartDescription  string `json:"partDescription"`
	ServiceStartDate string `json:"serviceStartDate"`
	ServiceEndDate   string `json:"serviceEndDate"`
	Passcode         string `json:"passcode"`
}

// NoSubscriptionActivation 返回没有订阅时使用的默认记录：开始日期为今天
func NoSubscriptionActivation(serial string, today time.Time) Activation {
	return Activation{
		SerialNumber:     serial,
		ServiceStartDate: today.Format(DateLayout),
		ServiceEndDate:   NoSubscription,
	}
}

// CallOutcome 是外部调用的分类
type CallOutcome string

const (
	OutcomeSuccess   CallOutcome = "success"
	OutcomeSoftError CallOutcome = "soft-error" // 合法的业务结果，比如没有有效订阅
	OutcomeHardError CallOutcome = "hard-error" // 连接失败、非 2xx、响应格式错误
)

// 激活服务的业务错误码，视为软错误
const (
	CodeNoActiveSubscription = "NO_ACTIVE_SUBSCRIPTION"
	CodeSerialNotFound       = "SERIAL_NOT_FOUND"
	CodePasscodesNotReady    = "PASSCODES_NOT_READY"
)

// ActivationResult 是一次激活服务调用的分类结果
type ActivationResult struct {
	Outcome    CallOutcome
	Code       string
	Message    string
	Activation *Activation
	Raw        string
	Err        error
}

func (r ActivationResult) OK() bool { return r.Outcome == OutcomeSuccess }

// ActivationOrDefault 在软错误时返回 "no subscription" 默认记录
func (r ActivationResult) ActivationOrDefault(serial string, today time.Time) (Activation, bool) {
	switch {
	case r.Outcome == OutcomeSuccess && r.Activation != nil:
		return *r.Activation, true
	case r.Outcome == OutcomeSoftError:
		return NoSubscriptionActivation(serial, today), true
	default:
		return Activation{}, false
	}
}

// IndexActivations 按序列号建立索引
func IndexActivations(acts []Activation) map[string]Activation {
	idx := make(map[string]Activation, len(acts))
	for _, a := range acts {
		idx[a.SerialNumber] = a
	}
	return idx
}
