package actions

import (
	"context"
	"fmt"
	"strings"

	"OpenLend-Chain/internal/aave"
	"OpenLend-Chain/pkg/action"
)

// PositionAction 回答"我的仓位/健康因子"类查询，不触发任何链上交易。
type PositionAction struct {
	base
}

// NewPositionAction 创建仓位查询动作。
func NewPositionAction(deps Deps) (*PositionAction, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &PositionAction{base: base{
		deps:     deps,
		keywords: []string{"position", "health factor", "balance", "持仓", "仓位", "健康因子", "账户"},
	}}, nil
}

// Info 返回动作元数据。
func (a *PositionAction) Info() action.Info {
	return action.Info{
		ID:           "position",
		Name:         "Position",
		Description:  "查询当前抵押、债务与健康因子",
		Version:      "1.0.0",
		Category:     action.TypeQuery,
		Capabilities: []action.Capability{action.CapabilityNetwork},
	}
}

// Validate 判断消息是否是仓位查询。
func (a *PositionAction) Validate(_ context.Context, msg action.Message) (bool, error) {
	return a.matches(msg.Text), nil
}

// Handle 读取仓位并格式化为自然语言。
func (a *PositionAction) Handle(ctx context.Context, msg action.Message) (*action.Outcome, error) {
	owner, err := a.owner(msg)
	if err != nil {
		return nil, err
	}

	position, err := a.deps.Aave.UserPosition(ctx, owner)
	if err != nil {
		return nil, err
	}
	reserves, err := a.deps.Aave.Reserves(ctx)
	if err != nil {
		return nil, err
	}
	decimalsOf := make(map[string]int, len(reserves))
	for _, reserve := range reserves {
		decimalsOf[strings.ToUpper(reserve.Symbol)] = reserve.Decimals
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("地址 %s 的仓位：健康因子 %s。",
		position.Address.Hex(), aave.FormatHealthFactor(position.HealthFactor)))

	if len(position.Supplies) == 0 {
		builder.WriteString("没有存入资产。")
	} else {
		parts := make([]string, 0, len(position.Supplies))
		for _, holding := range position.Supplies {
			parts = append(parts, fmt.Sprintf("%s %s",
				aave.FromBaseUnits(holding.Amount, decimalsOf[strings.ToUpper(holding.Asset)]), holding.Asset))
		}
		builder.WriteString("已存入 " + strings.Join(parts, "、") + "。")
	}

	if len(position.Borrows) == 0 {
		builder.WriteString("没有未结债务。")
	} else {
		parts := make([]string, 0, len(position.Borrows))
		for _, debt := range position.Borrows {
			parts = append(parts, fmt.Sprintf("%s %s（%s）",
				aave.FromBaseUnits(debt.Amount, decimalsOf[strings.ToUpper(debt.Asset)]), debt.Asset, debt.RateMode))
		}
		builder.WriteString("已借出 " + strings.Join(parts, "、") + "。")
	}

	if position.EModeCategory != 0 {
		builder.WriteString(fmt.Sprintf("效率模式分类 %d 已启用。", position.EModeCategory))
	}
	if suffix := riskSuffix(position.HealthFactor); suffix != "" {
		builder.WriteString(suffix)
	}

	result := &action.Outcome{
		Reply: builder.String(),
		Data: map[string]any{
			"operation":     "position",
			"health_factor": aave.FormatHealthFactor(position.HealthFactor),
			"emode":         int(position.EModeCategory),
		},
	}
	return result, nil
}

var _ action.Action = (*PositionAction)(nil)
