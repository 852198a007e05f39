package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"OpenLend-Chain/internal/aave"
	xerrors "OpenLend-Chain/internal/errors"
	"OpenLend-Chain/internal/llm"
	"OpenLend-Chain/pkg/action"
)

// RepayAction 把"还款"类消息转换为 Pool.repay 调用。
type RepayAction struct {
	base
}

// NewRepayAction 创建还款动作。
func NewRepayAction(deps Deps) (*RepayAction, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &RepayAction{base: base{
		deps:     deps,
		keywords: []string{"repay", "pay back", "payback", "还款", "偿还", "还清"},
	}}, nil
}

// Info 返回动作元数据。
func (a *RepayAction) Info() action.Info {
	return action.Info{
		ID:           "repay",
		Name:         "Repay",
		Description:  "偿还借贷池中的未结债务",
		Version:      "1.0.0",
		Category:     action.TypeLending,
		Capabilities: []action.Capability{action.CapabilityNetwork, action.CapabilityTransact},
	}
}

// Validate 判断消息是否是还款请求。
func (a *RepayAction) Validate(_ context.Context, msg action.Message) (bool, error) {
	return a.matches(msg.Text), nil
}

// Handle 抽取参数并执行还款。"-1"/"max" 表示还清全部债务。
func (a *RepayAction) Handle(ctx context.Context, msg action.Message) (*action.Outcome, error) {
	owner, err := a.owner(msg)
	if err != nil {
		return nil, err
	}

	extraction, err := a.extract(ctx, llm.IntentRepay, msg)
	if err != nil {
		return nil, err
	}

	rateMode, err := aave.ParseRateMode(extraction.RateMode)
	if err != nil {
		return nil, err
	}
	params := aave.RepayParams{
		Asset:    extraction.Asset,
		Amount:   extraction.Amount,
		RateMode: rateMode,
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	reserve, err := a.reserve(ctx, params.Asset)
	if err != nil {
		return nil, err
	}

	position, err := a.deps.Aave.UserPosition(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !owesDebt(position, reserve.Symbol, rateMode) {
		return nil, xerrors.New(aave.CodeNothingToRepay, fmt.Sprintf("你没有 %s 的未结债务", reserve.Symbol))
	}

	amount, err := aave.ToBaseUnits(params.Amount, reserve.Decimals)
	if err != nil {
		return nil, err
	}

	receipt, err := a.deps.Aave.Repay(ctx, aave.RepayRequest{
		Asset:      reserve.Symbol,
		Amount:     amount,
		RateMode:   rateMode,
		OnBehalfOf: owner,
	})
	if err != nil {
		return nil, err
	}

	remaining := remainingDebt(ctx, a.deps.Aave, owner, reserve, rateMode)
	reply := fmt.Sprintf("已偿还 %s %s，交易 %s。剩余 %s 债务 %s，当前健康因子 %s。",
		aave.FromBaseUnits(receipt.Amount, reserve.Decimals),
		receipt.Asset,
		receipt.TxHash.Hex(),
		receipt.Asset,
		remaining,
		aave.FormatHealthFactor(receipt.HealthFactor),
	)

	a.record(ctx, msg, "repay", receipt, reserve.Decimals, reply)
	return outcome(reply, receipt, reserve.Decimals, "repay"), nil
}

// owesDebt 检查仓位中是否有指定资产与利率模式的未结债务。
func owesDebt(position *aave.UserPosition, symbol string, rateMode aave.InterestRateMode) bool {
	if position == nil {
		return false
	}
	for _, debt := range position.Borrows {
		if strings.EqualFold(debt.Asset, symbol) && debt.RateMode == rateMode && debt.Amount != nil && debt.Amount.Sign() > 0 {
			return true
		}
	}
	return false
}

// remainingDebt 还款后重新读取仓位，报告剩余债务；读取失败时返回占位文本。
func remainingDebt(ctx context.Context, svc aave.Service, owner common.Address, reserve aave.Reserve, rateMode aave.InterestRateMode) string {
	position, err := svc.UserPosition(ctx, owner)
	if err != nil || position == nil {
		return "未知"
	}
	for _, debt := range position.Borrows {
		if strings.EqualFold(debt.Asset, reserve.Symbol) && debt.RateMode == rateMode {
			return aave.FromBaseUnits(debt.Amount, reserve.Decimals)
		}
	}
	return "0"
}

var _ action.Action = (*RepayAction)(nil)
