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

// EModeAction 把"效率模式"类消息转换为 Pool.setUserEMode 调用。
type EModeAction struct {
	base
}

// NewEModeAction 创建效率模式切换动作。
func NewEModeAction(deps Deps) (*EModeAction, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &EModeAction{base: base{
		deps:     deps,
		keywords: []string{"emode", "e-mode", "efficiency mode", "效率模式"},
	}}, nil
}

// Info 返回动作元数据。
func (a *EModeAction) Info() action.Info {
	return action.Info{
		ID:           "emode",
		Name:         "EMode",
		Description:  "切换或关闭高抵押率的效率模式分类",
		Version:      "1.0.0",
		Category:     action.TypeLending,
		Capabilities: []action.Capability{action.CapabilityNetwork, action.CapabilityTransact},
	}
}

// Validate 判断消息是否是效率模式请求。
func (a *EModeAction) Validate(_ context.Context, msg action.Message) (bool, error) {
	return a.matches(msg.Text), nil
}

// Handle 抽取目标分类并执行切换。分类 0 表示关闭效率模式。
func (a *EModeAction) Handle(ctx context.Context, msg action.Message) (*action.Outcome, error) {
	owner, err := a.owner(msg)
	if err != nil {
		return nil, err
	}

	extraction, err := a.extract(ctx, llm.IntentEMode, msg)
	if err != nil {
		return nil, err
	}

	category, err := aave.ParseCategory(extraction.EModeCategory)
	if err != nil {
		return nil, err
	}
	params := aave.EModeParams{Category: category}

	label := "关闭"
	if params.Category != 0 {
		catalogue, err := a.deps.Aave.EModeCategories(ctx)
		if err != nil {
			return nil, err
		}
		found := false
		for _, entry := range catalogue {
			if entry.ID == params.Category {
				label = entry.Label
				found = true
				break
			}
		}
		if !found {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("当前市场没有 eMode 分类 %d", params.Category))
		}

		// 所有未结债务都必须属于目标分类，否则切换必然被池合约拒绝。
		position, err := a.deps.Aave.UserPosition(ctx, owner)
		if err != nil {
			return nil, err
		}
		if incompatible := incompatibleDebts(ctx, a.deps.Aave, position, params.Category); len(incompatible) > 0 {
			return nil, xerrors.New(aave.CodeEModeIncompatible,
				fmt.Sprintf("债务资产 %s 不属于 eMode 分类 %d，无法切换", strings.Join(incompatible, ", "), params.Category))
		}
	}

	receipt, err := a.deps.Aave.SetUserEMode(ctx, params.Category)
	if err != nil {
		return nil, err
	}

	var reply string
	if params.Category == 0 {
		reply = fmt.Sprintf("已关闭效率模式，交易 %s。当前健康因子 %s。",
			receipt.TxHash.Hex(), aave.FormatHealthFactor(receipt.HealthFactor))
	} else {
		reply = fmt.Sprintf("已启用效率模式分类 %d（%s），交易 %s。当前健康因子 %s。",
			params.Category, label, receipt.TxHash.Hex(), aave.FormatHealthFactor(receipt.HealthFactor))
	}
	if suffix := riskSuffix(receipt.HealthFactor); suffix != "" {
		reply += suffix
	}

	a.record(ctx, msg, "emode", receipt, 0, reply)
	result := outcome(reply, receipt, 0, "emode")
	result.Data["category"] = int(params.Category)
	return result, nil
}

// incompatibleDebts 返回不属于目标分类的债务资产符号。
func incompatibleDebts(ctx context.Context, svc aave.Service, position *aave.UserPosition, category uint8) []string {
	if position == nil || len(position.Borrows) == 0 {
		return nil
	}
	reserves, err := svc.Reserves(ctx)
	if err != nil {
		return nil
	}
	categoryOf := make(map[string]uint8, len(reserves))
	for _, reserve := range reserves {
		categoryOf[strings.ToUpper(reserve.Symbol)] = reserve.EModeCategory
	}
	var incompatible []string
	for _, debt := range position.Borrows {
		if debt.Amount == nil || debt.Amount.Sign() == 0 {
			continue
		}
		if categoryOf[strings.ToUpper(debt.Asset)] != category {
			incompatible = append(incompatible, debt.Asset)
		}
	}
	return incompatible
}

var _ action.Action = (*EModeAction)(nil)
