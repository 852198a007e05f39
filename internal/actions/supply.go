package actions

import (
	"context"
	"fmt"

	"OpenLend-Chain/internal/aave"
	"OpenLend-Chain/internal/llm"
	"OpenLend-Chain/pkg/action"
)

// SupplyAction 把"存入/质押"类消息转换为 Pool.supply 调用。
type SupplyAction struct {
	base
}

// NewSupplyAction 创建存入动作。
func NewSupplyAction(deps Deps) (*SupplyAction, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &SupplyAction{base: base{
		deps:     deps,
		keywords: []string{"supply", "deposit", "lend", "存入", "质押", "存款"},
	}}, nil
}

// Info 返回动作元数据。
func (a *SupplyAction) Info() action.Info {
	return action.Info{
		ID:           "supply",
		Name:         "Supply",
		Description:  "向借贷池存入资产作为抵押",
		Version:      "1.0.0",
		Category:     action.TypeLending,
		Capabilities: []action.Capability{action.CapabilityNetwork, action.CapabilityTransact},
	}
}

// Validate 判断消息是否是存入请求。
func (a *SupplyAction) Validate(_ context.Context, msg action.Message) (bool, error) {
	return a.matches(msg.Text), nil
}

// Handle 抽取参数并执行存入。
func (a *SupplyAction) Handle(ctx context.Context, msg action.Message) (*action.Outcome, error) {
	owner, err := a.owner(msg)
	if err != nil {
		return nil, err
	}

	extraction, err := a.extract(ctx, llm.IntentSupply, msg)
	if err != nil {
		return nil, err
	}

	params := aave.SupplyParams{
		Asset:      extraction.Asset,
		Amount:     extraction.Amount,
		OnBehalfOf: extraction.OnBehalfOf,
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	reserve, err := a.reserve(ctx, params.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := aave.ToBaseUnits(params.Amount, reserve.Decimals)
	if err != nil {
		return nil, err
	}

	onBehalfOf := owner
	if params.OnBehalfOf != "" {
		beneficiary, err := a.owner(action.Message{Address: params.OnBehalfOf})
		if err != nil {
			return nil, err
		}
		onBehalfOf = beneficiary
	}

	receipt, err := a.deps.Aave.Supply(ctx, aave.SupplyRequest{
		Asset:      reserve.Symbol,
		Amount:     amount,
		OnBehalfOf: onBehalfOf,
	})
	if err != nil {
		return nil, err
	}

	reply := fmt.Sprintf("已存入 %s %s，交易 %s。当前健康因子 %s。",
		aave.FromBaseUnits(receipt.Amount, reserve.Decimals),
		receipt.Asset,
		receipt.TxHash.Hex(),
		aave.FormatHealthFactor(receipt.HealthFactor),
	)
	if suffix := riskSuffix(receipt.HealthFactor); suffix != "" {
		reply += suffix
	}

	a.record(ctx, msg, "supply", receipt, reserve.Decimals, reply)
	return outcome(reply, receipt, reserve.Decimals, "supply"), nil
}

var _ action.Action = (*SupplyAction)(nil)
