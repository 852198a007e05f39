package rules

import (
	"context"
	"regexp"
	"strings"

	"OpenLend-Chain/internal/llm"
)

// Extractor 使用关键词与正则实现确定性的参数抽取，
// 在未配置大模型或大模型不可用时作为降级 provider 使用。
type Extractor struct {
	assets []string
}

// NewExtractor 创建规则抽取器。assets 为当前市场支持的资产符号列表。
func NewExtractor(assets []string) *Extractor {
	normalized := make([]string, 0, len(assets))
	for _, asset := range assets {
		asset = strings.ToUpper(strings.TrimSpace(asset))
		if asset != "" {
			normalized = append(normalized, asset)
		}
	}
	return &Extractor{assets: normalized}
}

var (
	amountPattern = regexp.MustCompile(`\d+(?:[,_]\d{3})*(?:\.\d+)?`)
	maxPattern    = regexp.MustCompile(`(?i)\b(all|max|maximum|everything|entire|全部|所有)\b`)
	stablePattern = regexp.MustCompile(`(?i)\bstable\b`)
	digitPattern  = regexp.MustCompile(`^\d+$`)
)

// Extract 实现 llm.Client 接口。
func (e *Extractor) Extract(_ context.Context, req llm.Request) (*llm.Extraction, error) {
	message := strings.TrimSpace(req.Message)
	upper := strings.ToUpper(message)

	extraction := &llm.Extraction{
		Thought: "matched by deterministic rules",
	}

	// 资产符号按最长匹配优先，避免 "USDC" 被 "USD" 之类的前缀截胡。
	assets := req.Assets
	if len(assets) == 0 {
		assets = e.assets
	}
	best := ""
	for _, asset := range assets {
		symbol := strings.ToUpper(strings.TrimSpace(asset))
		if symbol == "" {
			continue
		}
		if containsToken(upper, symbol) && len(symbol) > len(best) {
			best = symbol
		}
	}
	extraction.Asset = best

	// 金额：显式数字优先，"all"/"max" 归一化为 -1 哨兵值。
	if maxPattern.MatchString(message) {
		extraction.Amount = "-1"
	} else if raw := amountPattern.FindString(message); raw != "" {
		extraction.Amount = strings.NewReplacer(",", "", "_", "").Replace(raw)
	}

	// 利率模式：除非显式说明 stable，借款默认使用 variable。
	switch req.Intent {
	case llm.IntentBorrow, llm.IntentRepay:
		if stablePattern.MatchString(message) {
			extraction.RateMode = "stable"
		} else {
			extraction.RateMode = "variable"
		}
	case llm.IntentEMode:
		extraction.EModeCategory = extractCategory(message)
	}

	return extraction, nil
}

// extractCategory 从消息中解析 eMode 分类编号；关闭类描述返回 "0"。
func extractCategory(message string) string {
	lower := strings.ToLower(message)
	for _, word := range []string{"disable", "turn off", "exit", "关闭", "退出"} {
		if strings.Contains(lower, word) {
			return "0"
		}
	}
	if raw := amountPattern.FindString(message); raw != "" && digitPattern.MatchString(raw) {
		return raw
	}
	return ""
}

// containsToken 检查符号是否以独立单词的形式出现。
func containsToken(upper, symbol string) bool {
	idx := strings.Index(upper, symbol)
	for idx >= 0 {
		before := idx == 0 || !isWordChar(upper[idx-1])
		afterIdx := idx + len(symbol)
		after := afterIdx >= len(upper) || !isWordChar(upper[afterIdx])
		if before && after {
			return true
		}
		next := strings.Index(upper[idx+1:], symbol)
		if next < 0 {
			return false
		}
		idx = idx + 1 + next
	}
	return false
}

func isWordChar(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

var _ llm.Client = (*Extractor)(nil)
