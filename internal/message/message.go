package message

import (
	stdErrors "errors"

	xerrors "OpenLend-Chain/internal/errors"
)

// Status 表示消息在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome 保存一次消息处理的结果。
type Outcome struct {
	Reply        string   `json:"reply"`
	ActionID     string   `json:"action_id"`
	TxHash       string   `json:"tx_hash,omitempty"`
	Asset        string   `json:"asset,omitempty"`
	Amount       string   `json:"amount,omitempty"`
	HealthFactor string   `json:"health_factor,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// Message 描述排队处理的用户消息。
type Message struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Address    string         `json:"address"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     Status         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *Outcome       `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

var (
	// ErrMessageNotFound 表示指定的消息不存在。
	ErrMessageNotFound = xerrors.New(CodeMessageNotFound, "message not found")
	// ErrMessageConflict 表示消息在当前状态下无法进行所请求的操作。
	ErrMessageConflict = xerrors.New(CodeMessageConflict, "message conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrMessageCompleted 表示消息已经处理完成。
	ErrMessageCompleted = xerrors.New(CodeMessageCompleted, "message already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrMessageExhausted 表示消息的重试次数已经耗尽。
	ErrMessageExhausted = xerrors.New(CodeMessageExhausted, "message retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeMessageNotFound   xerrors.Code = "MESSAGE_NOT_FOUND"
	CodeMessageConflict   xerrors.Code = "MESSAGE_CONFLICT"
	CodeMessageCompleted  xerrors.Code = "MESSAGE_COMPLETED"
	CodeMessageExhausted  xerrors.Code = "MESSAGE_RETRIES_EXHAUSTED"
	CodeMessageValidation xerrors.Code = "MESSAGE_VALIDATION_FAILED"
	CodeMessagePublish    xerrors.Code = "MESSAGE_PUBLISH_FAILED"
	CodeMessageProcessing xerrors.Code = "MESSAGE_PROCESSING_FAILED"
	CodeMessageCompensate xerrors.Code = "MESSAGE_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeMessageNotFound, xerrors.Attributes{
		Message:   "message not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMessageConflict, xerrors.Attributes{
		Message:   "message conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMessageCompleted, xerrors.Attributes{
		Message:   "message already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMessageExhausted, xerrors.Attributes{
		Message:   "message retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeMessageValidation, xerrors.Attributes{
		Message:   "message validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMessagePublish, xerrors.Attributes{
		Message:   "failed to publish message",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeMessageProcessing, xerrors.Attributes{
		Message:   "message processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeMessageCompensate, xerrors.Attributes{
		Message:   "message compensation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// IsMessageError 判断错误是否为统一消息错误。
func IsMessageError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrMessageNotFound) {
		return target == CodeMessageNotFound
	}
	if stdErrors.Is(err, ErrMessageConflict) {
		return target == CodeMessageConflict
	}
	if stdErrors.Is(err, ErrMessageCompleted) {
		return target == CodeMessageCompleted
	}
	if stdErrors.Is(err, ErrMessageExhausted) {
		return target == CodeMessageExhausted
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneOutcome(outcome *Outcome) *Outcome {
	if outcome == nil {
		return nil
	}
	clone := *outcome
	if outcome.Suggestions != nil {
		clone.Suggestions = append([]string(nil), outcome.Suggestions...)
	}
	return &clone
}

// hasContent 判断结果是否包含任何有效字段。
func (o *Outcome) hasContent() bool {
	if o == nil {
		return false
	}
	return o.Reply != "" || o.ActionID != "" || o.TxHash != "" || o.Asset != "" ||
		o.Amount != "" || o.HealthFactor != "" || len(o.Suggestions) > 0
}

// IsValidStatus 检查给定的消息状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
