// Package suggest 在操作失败时为用户挑选下一步建议。
package suggest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xerrors "OpenLend-Chain/internal/errors"
)

// Provider 定义建议检索的通用接口。
type Provider interface {
	Suggest(operation string, err error) []string
}

// Entry 描述一条可返回给用户的建议。
type Entry struct {
	Text       string   `json:"text"`
	Keywords   []string `json:"keywords"`
	Codes      []string `json:"codes"`
	Operations []string `json:"operations"`
}

// StaticProvider 通过加载 JSON 文件提供静态建议检索能力。
type StaticProvider struct {
	items      []Entry
	maxResults int
}

// NewStaticProvider 创建静态建议库实例。
func NewStaticProvider(items []Entry, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载建议条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("建议库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析建议库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取建议库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Entry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析建议库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Suggest 根据操作名、错误码和错误文本做简单匹配。
func (p *StaticProvider) Suggest(operation string, err error) []string {
	if p == nil || err == nil {
		return nil
	}

	operation = strings.ToLower(strings.TrimSpace(operation))
	code := string(xerrors.CodeOf(err))
	message := strings.ToLower(err.Error())

	results := make([]string, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, operation, code, message) {
			results = append(results, item.Text)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(entry Entry, operation, code, message string) bool {
	if len(entry.Operations) > 0 {
		hit := false
		for _, op := range entry.Operations {
			if strings.EqualFold(strings.TrimSpace(op), operation) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, c := range entry.Codes {
		if strings.EqualFold(strings.TrimSpace(c), code) {
			return true
		}
	}
	for _, keyword := range entry.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(message, normalized) {
			return true
		}
	}
	// 只限定操作、未给关键词的条目视为该操作的兜底建议。
	return len(entry.Codes) == 0 && len(entry.Keywords) == 0 && len(entry.Operations) > 0
}

// Defaults 返回内置建议库，未配置外部文件时使用。
func Defaults() []Entry {
	return []Entry{
		{
			Text:  "检查钱包余额是否足够，或改用 max 存入全部余额。",
			Codes: []string{"INSUFFICIENT_FUNDS"},
		},
		{
			Text:  "补全缺少的参数后重试，例如资产符号和金额。",
			Codes: []string{string(xerrors.CodeInvalidArgument)},
		},
		{
			Text:       "先存入抵押资产再尝试借款，或降低借款金额。",
			Codes:      []string{"HEALTH_FACTOR_TOO_LOW"},
			Operations: []string{"borrow"},
		},
		{
			Text:  "减少取回金额，保持健康因子在 1 以上，避免清算。",
			Codes: []string{"HEALTH_FACTOR_TOO_LOW"},
		},
		{
			Text:  "确认资产符号是否在当前市场上架，可先查询支持的资产列表。",
			Codes: []string{"UNKNOWN_ASSET"},
		},
		{
			Text:  "利率模式仅支持 stable 或 variable，请重新指定。",
			Codes: []string{"INVALID_RATE_MODE"},
		},
		{
			Text:  "当前没有对应的存款或债务，可先查询仓位确认。",
			Codes: []string{"NO_POSITION", "NOTHING_TO_REPAY"},
		},
		{
			Text:  "切换效率模式前需先清偿不属于目标分类的债务。",
			Codes: []string{"EMODE_INCOMPATIBLE"},
		},
		{
			Text:     "链上节点暂时不可用，请稍后重试。",
			Codes:    []string{"CHAIN_FAILURE", "TIMEOUT"},
			Keywords: []string{"connection refused", "deadline"},
		},
	}
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
