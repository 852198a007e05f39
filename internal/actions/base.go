package actions

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"OpenLend-Chain/internal/aave"
	xerrors "OpenLend-Chain/internal/errors"
	"OpenLend-Chain/internal/llm"
	"OpenLend-Chain/internal/storage/mysql"
	"OpenLend-Chain/pkg/action"
	"OpenLend-Chain/pkg/logger"
)

// Deps 汇总所有动作共享的外部依赖。Ledger 可以为空，此时不记录操作流水，
// 大模型也拿不到历史上下文。
type Deps struct {
	Aave         aave.Service
	LLM          llm.Client
	Ledger       mysql.OperationRepository
	HistoryDepth int
}

func (d Deps) validate() error {
	if d.Aave == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置借贷服务")
	}
	if d.LLM == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置参数抽取客户端")
	}
	return nil
}

// warnHealthFactorWad 在响应中附加风险提示的健康因子阈值（1.5）。
var warnHealthFactorWad = big.NewInt(1_500_000_000_000_000_000)

// base 承载关键词路由与参数抽取等所有动作共用的逻辑。
type base struct {
	deps     Deps
	keywords []string
}

// Configure 允许通过配置块覆盖路由关键词。
func (b *base) Configure(cfg map[string]any) error {
	raw, ok := cfg["keywords"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "keywords 配置必须是字符串列表")
	}
	keywords := make([]string, 0, len(list))
	for _, item := range list {
		text, ok := item.(string)
		if !ok || strings.TrimSpace(text) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "keywords 配置必须是字符串列表")
		}
		keywords = append(keywords, strings.ToLower(strings.TrimSpace(text)))
	}
	if len(keywords) > 0 {
		b.keywords = keywords
	}
	return nil
}

// matches 对消息正文做小写子串匹配。
func (b *base) matches(text string) bool {
	lower := strings.ToLower(text)
	for _, keyword := range b.keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// owner 返回消息绑定的钱包地址。
func (b *base) owner(msg action.Message) (common.Address, error) {
	address := strings.TrimSpace(msg.Address)
	if address == "" {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "消息未绑定钱包地址")
	}
	if !common.IsHexAddress(address) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的钱包地址: %s", address))
	}
	return common.HexToAddress(address), nil
}

// extract 调用大模型抽取结构化参数，带上市场资产表和最近操作作为上下文。
// 模型输出不可解析时返回非可重试错误，由恢复逻辑转为用户可读的失败响应。
func (b *base) extract(ctx context.Context, intent llm.Intent, msg action.Message) (*llm.Extraction, error) {
	reserves, err := b.deps.Aave.Reserves(ctx)
	if err != nil {
		return nil, err
	}
	assets := make([]string, 0, len(reserves))
	for _, reserve := range reserves {
		assets = append(assets, reserve.Symbol)
	}

	extraction, err := b.deps.LLM.Extract(ctx, llm.Request{
		Intent:  intent,
		Message: msg.Text,
		Assets:  assets,
		History: b.history(ctx, msg.Address),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法从消息中抽取参数")
	}
	return extraction, nil
}

// history 返回地址最近的操作记录，供大模型理解"再借一次"之类的指代。
func (b *base) history(ctx context.Context, address string) []llm.HistoryEntry {
	if b.deps.Ledger == nil {
		return nil
	}
	depth := b.deps.HistoryDepth
	if depth <= 0 {
		depth = 5
	}
	records, err := b.deps.Ledger.ListLatest(ctx, address, depth)
	if err != nil {
		logger.L().Warn("读取操作历史失败", slog.Any("error", err), slog.String("address", address))
		return nil
	}
	entries := make([]llm.HistoryEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, llm.HistoryEntry{
			Operation: record.Operation,
			Asset:     record.Asset,
			Amount:    record.Amount,
			TxHash:    record.TxHash,
			CreatedAt: record.CreatedAt,
		})
	}
	return entries
}

// reserve 按符号查找市场资产。
func (b *base) reserve(ctx context.Context, symbol string) (aave.Reserve, error) {
	reserves, err := b.deps.Aave.Reserves(ctx)
	if err != nil {
		return aave.Reserve{}, err
	}
	for _, reserve := range reserves {
		if strings.EqualFold(reserve.Symbol, symbol) {
			return reserve, nil
		}
	}
	return aave.Reserve{}, xerrors.New(aave.CodeUnknownAsset, fmt.Sprintf("当前市场不支持资产 %s", symbol))
}

// record 把成功执行的操作写入流水账，失败只告警不阻断响应。
func (b *base) record(ctx context.Context, msg action.Message, operation string, receipt *aave.Receipt, decimals int, reply string) {
	if b.deps.Ledger == nil || receipt == nil {
		return
	}
	record := mysql.OperationRecord{
		MessageID:    msg.ID,
		UserID:       msg.UserID,
		Address:      msg.Address,
		Operation:    operation,
		Asset:        receipt.Asset,
		Amount:       aave.FromBaseUnits(receipt.Amount, decimals),
		TxHash:       receipt.TxHash.Hex(),
		HealthFactor: aave.FormatHealthFactor(receipt.HealthFactor),
		Reply:        reply,
		CreatedAt:    time.Now().Unix(),
	}
	if receipt.RateMode != aave.RateModeNone {
		record.RateMode = receipt.RateMode.String()
	}
	if err := b.deps.Ledger.Save(ctx, record); err != nil {
		logger.L().Warn("写入操作流水失败",
			slog.Any("error", err),
			slog.String("message_id", msg.ID),
			slog.String("operation", operation),
		)
	}
}

// outcome 组装带结构化字段的动作响应。
func outcome(reply string, receipt *aave.Receipt, decimals int, operation string) *action.Outcome {
	result := &action.Outcome{Reply: reply, Data: map[string]any{"operation": operation}}
	if receipt != nil {
		result.TxHash = receipt.TxHash.Hex()
		result.Data["asset"] = receipt.Asset
		result.Data["amount"] = aave.FromBaseUnits(receipt.Amount, decimals)
		result.Data["health_factor"] = aave.FormatHealthFactor(receipt.HealthFactor)
	}
	return result
}

// riskSuffix 在健康因子偏低时附加风险提示。
func riskSuffix(healthFactor *big.Int) string {
	if healthFactor == nil || healthFactor.Cmp(aave.MaxUint256) == 0 {
		return ""
	}
	if healthFactor.Cmp(warnHealthFactorWad) < 0 {
		return fmt.Sprintf("注意：当前健康因子 %s 已低于 1.5，继续借款可能有清算风险。", aave.FormatHealthFactor(healthFactor))
	}
	return ""
}
