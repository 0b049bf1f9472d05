// internal/service/odf/domain/result.go
package domain

// Status 是结果信封的状态
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusPending Status = "pending" // 调用方应稍后重试
)

type MessageLevel string

const (
	LevelInfo    MessageLevel = "info"
	LevelWarning MessageLevel = "warning"
	LevelError   MessageLevel = "error"
)

type Message struct {
	Level MessageLevel `json:"level"`
	Text  string       `json:"text"`
}

// Action 是用户可执行的操作，比如预填好的支持邮件
type Action struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// PipelineResult 是每个流水线端点返回的统一信封
type PipelineResult struct {
	OrderID     int64          `json:"orderId"`
	Status      Status         `json:"status"`
	Step        Step           `json:"step,omitempty"`
	NextStep    Step           `json:"nextStep,omitempty"`
	Progress    int            `json:"progress"`
	Messages    []Message      `json:"messages"`
	Details     interface{}    `json:"details,omitempty"`
	UniqueID    string         `json:"uniqueId,omitempty"`
	RetryCount  int            `json:"retryCount,omitempty"`
	MaxRetries  int            `json:"maxRetries,omitempty"`
	Retry       *RetryPolicy   `json:"retry,omitempty"`
	NotifyHuman bool           `json:"notifyHuman,omitempty"`
	Actions     []Action       `json:"actions,omitempty"`
	Error       *PipelineError `json:"error,omitempty"`
}

// Success 构造成功信封
func Success(orderID int64, step Step, progress int, text string) *PipelineResult {
	return &PipelineResult{
		OrderID:  orderID,
		Status:   StatusSuccess,
		Step:     step,
		Progress: progress,
		Messages: []Message{{Level: LevelInfo, Text: text}},
	}
}

// Pending 构造待重试信封，携带下一次的重试策略
func Pending(orderID int64, step Step, progress int, text string, next RetryPolicy) *PipelineResult {
	return &PipelineResult{
		OrderID:    orderID,
		Status:     StatusPending,
		Step:       step,
		Progress:   progress,
		Messages:   []Message{{Level: LevelInfo, Text: text}},
		RetryCount: next.Attempt - 1,
		MaxRetries: next.MaxAttempts,
		Retry:      &next,
	}
}

// Failure 由 PipelineError 构造终止信封
func Failure(orderID int64, step Step, progress int, perr *PipelineError) *PipelineResult {
	res := &PipelineResult{
		OrderID:     orderID,
		Status:      StatusError,
		Step:        step,
		Progress:    progress,
		Error:       perr,
		NotifyHuman: perr.Kind == KindRetryExhausted,
	}
	res.Messages = append(res.Messages, Message{Level: LevelError, Text: perr.Title + ": " + perr.Message})
	for _, issue := range perr.Issues {
		res.Messages = append(res.Messages, Message{Level: LevelError, Text: issue})
	}
	return res
}

// AddMessage 追加一条消息
func (r *PipelineResult) AddMessage(level MessageLevel, text string) {
	r.Messages = append(r.Messages, Message{Level: level, Text: text})
}

func (r *PipelineResult) IsTerminal() bool {
	return r.Status != StatusPending
}
