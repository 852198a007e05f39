package actions

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenLend-Chain/internal/errors"
	"OpenLend-Chain/internal/message"
	"OpenLend-Chain/internal/observability/metrics"
	"OpenLend-Chain/internal/suggest"
	"OpenLend-Chain/pkg/action"
	"OpenLend-Chain/pkg/logger"
)

// noMatchReply 是没有任何动作认领消息时的统一回复。
const noMatchReply = "我目前只能帮你完成存入、取回、借款、还款、效率模式切换和仓位查询，请换一种说法试试。"

// Engine 把动作注册表接到消息处理管线上，实现 message.Executor。
type Engine struct {
	registry *action.Registry
	suggest  suggest.Provider
}

// NewEngine 创建执行引擎。suggestions 可以为空。
func NewEngine(registry *action.Registry, suggestions suggest.Provider) (*Engine, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置动作注册表")
	}
	return &Engine{registry: registry, suggest: suggestions}, nil
}

// RegisterAll 按路由优先级注册全部内置动作。
func RegisterAll(registry *action.Registry, deps Deps) error {
	if registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置动作注册表")
	}
	type constructor func(Deps) (action.Action, error)
	builders := []struct {
		id    string
		build constructor
	}{
		// 注册顺序即路由优先级："repay my loan" 含有 loan，必须先于 borrow 判定。
		{"emode", func(d Deps) (action.Action, error) { return NewEModeAction(d) }},
		{"repay", func(d Deps) (action.Action, error) { return NewRepayAction(d) }},
		{"borrow", func(d Deps) (action.Action, error) { return NewBorrowAction(d) }},
		{"withdraw", func(d Deps) (action.Action, error) { return NewWithdrawAction(d) }},
		{"supply", func(d Deps) (action.Action, error) { return NewSupplyAction(d) }},
		{"position", func(d Deps) (action.Action, error) { return NewPositionAction(d) }},
	}
	policy := action.IsolationPolicy{
		AllowedCapabilities: []action.Capability{action.CapabilityNetwork, action.CapabilityTransact},
	}
	for _, builder := range builders {
		instance, err := builder.build(deps)
		if err != nil {
			return err
		}
		if err := registry.Register(builder.id, instance, nil, policy); err != nil {
			return fmt.Errorf("注册动作 %s 失败: %w", builder.id, err)
		}
	}
	return nil
}

// Execute 实现 message.Executor：路由消息并把动作结果转换为消息结果。
func (e *Engine) Execute(ctx context.Context, msg *message.Message) (*message.Outcome, error) {
	if msg == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空")
	}
	start := time.Now()

	result, id, err := e.registry.Dispatch(ctx, action.Message{
		ID:      msg.ID,
		UserID:  msg.UserID,
		Address: msg.Address,
		Text:    msg.Text,
	})
	if err != nil {
		if stdErrors.Is(err, action.ErrNoMatch) {
			metrics.ObserveActionOutcome("none", "no_match", time.Since(start))
			return &message.Outcome{Reply: noMatchReply}, nil
		}
		metrics.ObserveActionOutcome(fallbackID(id), "failed", time.Since(start))
		return nil, err
	}

	metrics.ObserveActionOutcome(id, "succeeded", time.Since(start))
	return toMessageOutcome(id, result), nil
}

// Recovery 实现 message.RecoveryHandler：把不可重试的失败降级为
// 带建议列表的用户可读回复。
func (e *Engine) Recovery() message.RecoveryHandler {
	return &suggestRecovery{engine: e}
}

type suggestRecovery struct {
	engine *Engine
}

// Recover 将失败原因转成道歉回复并附上建议；可重试错误保持失败流程。
func (r *suggestRecovery) Recover(ctx context.Context, msg *message.Message, cause error) (*message.Outcome, error) {
	if cause == nil || msg == nil {
		return nil, nil
	}

	operation := ""
	if id, err := r.engine.registry.Match(ctx, action.Message{Text: msg.Text}); err == nil {
		operation = id
	}

	var suggestions []string
	if r.engine.suggest != nil {
		suggestions = r.engine.suggest.Suggest(operation, cause)
	}
	logger.L().Info("操作降级为失败回复",
		slog.String("message_id", msg.ID),
		slog.String("operation", operation),
		slog.String("cause", cause.Error()),
	)
	return &message.Outcome{
		Reply:       fmt.Sprintf("这笔操作没有完成：%s", cause.Error()),
		ActionID:    operation,
		Suggestions: suggestions,
	}, nil
}

func toMessageOutcome(id string, result *action.Outcome) *message.Outcome {
	if result == nil {
		return &message.Outcome{ActionID: id}
	}
	out := &message.Outcome{
		Reply:       result.Reply,
		ActionID:    id,
		TxHash:      result.TxHash,
		Suggestions: result.Suggestions,
	}
	if asset, ok := result.Data["asset"].(string); ok {
		out.Asset = asset
	}
	if amount, ok := result.Data["amount"].(string); ok {
		out.Amount = amount
	}
	if hf, ok := result.Data["health_factor"].(string); ok {
		out.HealthFactor = hf
	}
	return out
}

func fallbackID(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

var _ message.Executor = (*Engine)(nil)
