package actions

import (
	"context"
	"fmt"

	"OpenLend-Chain/internal/aave"
	xerrors "OpenLend-Chain/internal/errors"
	"OpenLend-Chain/internal/llm"
	"OpenLend-Chain/pkg/action"
)

// BorrowAction 把"借款"类消息转换为 Pool.borrow 调用。
type BorrowAction struct {
	base
}

// NewBorrowAction 创建借款动作。
func NewBorrowAction(deps Deps) (*BorrowAction, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &BorrowAction{base: base{
		deps:     deps,
		keywords: []string{"borrow", "loan", "借款", "借入", "贷款"},
	}}, nil
}

// Info 返回动作元数据。
func (a *BorrowAction) Info() action.Info {
	return action.Info{
		ID:           "borrow",
		Name:         "Borrow",
		Description:  "以现有抵押从借贷池借出资产",
		Version:      "1.0.0",
		Category:     action.TypeLending,
		Capabilities: []action.Capability{action.CapabilityNetwork, action.CapabilityTransact},
	}
}

// Validate 判断消息是否是借款请求。
func (a *BorrowAction) Validate(_ context.Context, msg action.Message) (bool, error) {
	return a.matches(msg.Text), nil
}

// Handle 抽取参数并执行借款。借款必须指定具体金额和利率模式。
func (a *BorrowAction) Handle(ctx context.Context, msg action.Message) (*action.Outcome, error) {
	owner, err := a.owner(msg)
	if err != nil {
		return nil, err
	}

	extraction, err := a.extract(ctx, llm.IntentBorrow, msg)
	if err != nil {
		return nil, err
	}

	rateMode, err := aave.ParseRateMode(extraction.RateMode)
	if err != nil {
		return nil, err
	}
	params := aave.BorrowParams{
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
	if !reserve.BorrowingEnabled {
		return nil, xerrors.New(aave.CodeBorrowNotEnabled, fmt.Sprintf("资产 %s 未开放借款", reserve.Symbol))
	}
	if rateMode == aave.RateModeStable && !reserve.StableRateEnabled {
		return nil, xerrors.New(aave.CodeInvalidRateMode, fmt.Sprintf("资产 %s 不支持 stable 利率", reserve.Symbol))
	}

	// 没有抵押就没有借款额度。
	position, err := a.deps.Aave.UserPosition(ctx, owner)
	if err != nil {
		return nil, err
	}
	if position == nil || position.TotalCollateralBase == nil || position.TotalCollateralBase.Sign() == 0 {
		return nil, xerrors.New(aave.CodeNoPosition, "你还没有存入任何抵押资产，无法借款")
	}

	amount, err := aave.ToBaseUnits(params.Amount, reserve.Decimals)
	if err != nil {
		return nil, err
	}

	receipt, err := a.deps.Aave.Borrow(ctx, aave.BorrowRequest{
		Asset:      reserve.Symbol,
		Amount:     amount,
		RateMode:   rateMode,
		OnBehalfOf: owner,
	})
	if err != nil {
		return nil, err
	}

	reply := fmt.Sprintf("已按 %s 利率借出 %s %s，交易 %s。当前健康因子 %s。",
		receipt.RateMode,
		aave.FromBaseUnits(receipt.Amount, reserve.Decimals),
		receipt.Asset,
		receipt.TxHash.Hex(),
		aave.FormatHealthFactor(receipt.HealthFactor),
	)
	if suffix := riskSuffix(receipt.HealthFactor); suffix != "" {
		reply += suffix
	}

	a.record(ctx, msg, "borrow", receipt, reserve.Decimals, reply)
	return outcome(reply, receipt, reserve.Decimals, "borrow"), nil
}

var _ action.Action = (*BorrowAction)(nil)
