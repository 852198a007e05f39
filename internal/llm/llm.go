package llm

import "context"

// Intent 表示一条对话消息被路由到的借贷操作类别。
type Intent string

const (
	IntentSupply   Intent = "supply"
	IntentWithdraw Intent = "withdraw"
	IntentBorrow   Intent = "borrow"
	IntentRepay    Intent = "repay"
	IntentEMode    Intent = "emode"
	IntentPosition Intent = "position"
)

// Request 描述发送给大模型的参数抽取上下文。
type Request struct {
	Intent  Intent
	Message string
	Assets  []string
	History []HistoryEntry
}

// Extraction 是大模型从自由文本中抽取的结构化参数。
// Amount 使用十进制字符串，"-1" 表示用户要求操作全部余额。
type Extraction struct {
	Asset         string
	Amount        string
	RateMode      string
	EModeCategory string
	OnBehalfOf    string
	Thought       string
}

// Client 定义了结构化参数抽取的统一接口。
type Client interface {
	Extract(ctx context.Context, req Request) (*Extraction, error)
}

// HistoryEntry 描述一条最近完成的借贷操作，用于为大模型提供上下文记忆。
type HistoryEntry struct {
	Operation string
	Asset     string
	Amount    string
	TxHash    string
	CreatedAt int64
}
