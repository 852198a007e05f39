package suggest

import (
	"errors"
	"testing"

	"OpenLend-Chain/internal/aave"
	xerrors "OpenLend-Chain/internal/errors"
)

func TestSuggestMatchesByCode(t *testing.T) {
	provider := NewStaticProvider(Defaults(), 3)

	err := xerrors.New(aave.CodeHealthFactorFloor, "抵押不足")
	got := provider.Suggest("borrow", err)
	if len(got) == 0 {
		t.Fatal("健康因子错误应命中建议")
	}
	if got[0] != "先存入抵押资产再尝试借款，或降低借款金额。" {
		t.Fatalf("borrow 操作应优先命中借款建议, 实际 %q", got[0])
	}
}

func TestSuggestOperationFilter(t *testing.T) {
	provider := NewStaticProvider(Defaults(), 3)

	// withdraw 不应命中仅限 borrow 的条目。
	err := xerrors.New(aave.CodeHealthFactorFloor, "抵押不足")
	for _, text := range provider.Suggest("withdraw", err) {
		if text == "先存入抵押资产再尝试借款，或降低借款金额。" {
			t.Fatal("borrow 专属建议不应出现在 withdraw 结果中")
		}
	}
}

func TestSuggestMatchesByKeyword(t *testing.T) {
	provider := NewStaticProvider(Defaults(), 3)

	err := errors.New("dial tcp: connection refused")
	got := provider.Suggest("supply", err)
	if len(got) != 1 || got[0] != "链上节点暂时不可用，请稍后重试。" {
		t.Fatalf("连接错误应命中节点建议, 实际 %v", got)
	}
}

func TestSuggestNilError(t *testing.T) {
	provider := NewStaticProvider(Defaults(), 3)
	if got := provider.Suggest("supply", nil); got != nil {
		t.Fatalf("nil 错误不应有建议, 实际 %v", got)
	}
}

func TestSuggestMaxResults(t *testing.T) {
	entries := []Entry{
		{Text: "a", Keywords: []string{"boom"}},
		{Text: "b", Keywords: []string{"boom"}},
		{Text: "c", Keywords: []string{"boom"}},
	}
	provider := NewStaticProvider(entries, 2)
	got := provider.Suggest("supply", errors.New("boom"))
	if len(got) != 2 {
		t.Fatalf("应截断到 2 条, 实际 %d", len(got))
	}
}
