package actions

import (
	"context"
	"fmt"
	"strings"

	"OpenLend-Chain/internal/aave"
	xerrors "OpenLend-Chain/internal/errors"
	"OpenLend-Chain/internal/llm"
	"OpenLend-Chain/pkg/action"
)

// WithdrawAction 把"取回/提取"类消息转换为 Pool.withdraw 调用。
type WithdrawAction struct {
	base
}

// NewWithdrawAction 创建取回动作。
func NewWithdrawAction(deps Deps) (*WithdrawAction, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &WithdrawAction{base: base{
		deps:     deps,
		keywords: []string{"withdraw", "redeem", "取出", "取回", "提取", "赎回"},
	}}, nil
}

// Info 返回动作元数据。
func (a *WithdrawAction) Info() action.Info {
	return action.Info{
		ID:           "withdraw",
		Name:         "Withdraw",
		Description:  "从借贷池取回已存入的资产",
		Version:      "1.0.0",
		Category:     action.TypeLending,
		Capabilities: []action.Capability{action.CapabilityNetwork, action.CapabilityTransact},
	}
}

// Validate 判断消息是否是取回请求。
func (a *WithdrawAction) Validate(_ context.Context, msg action.Message) (bool, error) {
	return a.matches(msg.Text), nil
}

// Handle 抽取参数并执行取回。"-1"/"max" 表示取回全部存入余额。
func (a *WithdrawAction) Handle(ctx context.Context, msg action.Message) (*action.Outcome, error) {
	owner, err := a.owner(msg)
	if err != nil {
		return nil, err
	}

	extraction, err := a.extract(ctx, llm.IntentWithdraw, msg)
	if err != nil {
		return nil, err
	}

	params := aave.WithdrawParams{Asset: extraction.Asset, Amount: extraction.Amount}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	reserve, err := a.reserve(ctx, params.Asset)
	if err != nil {
		return nil, err
	}

	// 无持仓直接拒绝，避免把一笔必然失败的交易发上链。
	position, err := a.deps.Aave.UserPosition(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !holdsSupply(position, reserve.Symbol) {
		return nil, xerrors.New(aave.CodeNoPosition, fmt.Sprintf("你没有 %s 的存入仓位", reserve.Symbol))
	}

	amount, err := aave.ToBaseUnits(params.Amount, reserve.Decimals)
	if err != nil {
		return nil, err
	}

	receipt, err := a.deps.Aave.Withdraw(ctx, aave.WithdrawRequest{
		Asset:  reserve.Symbol,
		Amount: amount,
		To:     owner,
	})
	if err != nil {
		return nil, err
	}

	reply := fmt.Sprintf("已取回 %s %s，交易 %s。当前健康因子 %s。",
		aave.FromBaseUnits(receipt.Amount, reserve.Decimals),
		receipt.Asset,
		receipt.TxHash.Hex(),
		aave.FormatHealthFactor(receipt.HealthFactor),
	)
	if suffix := riskSuffix(receipt.HealthFactor); suffix != "" {
		reply += suffix
	}

	a.record(ctx, msg, "withdraw", receipt, reserve.Decimals, reply)
	return outcome(reply, receipt, reserve.Decimals, "withdraw"), nil
}

// holdsSupply 检查仓位中是否有指定资产的存入余额。
func holdsSupply(position *aave.UserPosition, symbol string) bool {
	if position == nil {
		return false
	}
	for _, holding := range position.Supplies {
		if strings.EqualFold(holding.Asset, symbol) && holding.Amount != nil && holding.Amount.Sign() > 0 {
			return true
		}
	}
	return false
}

var _ action.Action = (*WithdrawAction)(nil)
