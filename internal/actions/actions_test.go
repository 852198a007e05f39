package actions

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"OpenLend-Chain/internal/aave"
	"OpenLend-Chain/internal/aave/sim"
	xerrors "OpenLend-Chain/internal/errors"
	"OpenLend-Chain/internal/llm"
	"OpenLend-Chain/internal/llm/rules"
	"OpenLend-Chain/internal/message"
	"OpenLend-Chain/internal/suggest"
	"OpenLend-Chain/pkg/action"
)

var testOwner = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func testMarketDefinition() aave.MarketDefinition {
	return aave.MarketDefinition{
		Type: "simulated",
		Assets: map[string]aave.AssetDefinition{
			"WETH": {
				Decimals:             18,
				PriceBase:            2000_00000000,
				LTV:                  8000,
				LiquidationThreshold: 8500,
				BorrowingEnabled:     true,
				SimBalance:           "10",
			},
			"USDC": {
				Decimals:             6,
				PriceBase:            1_00000000,
				LTV:                  7500,
				LiquidationThreshold: 7800,
				EModeCategory:        1,
				BorrowingEnabled:     true,
				StableBorrowEnabled:  true,
				SimBalance:           "5000",
			},
		},
		EModeCategories: []aave.EModeDefinition{
			{ID: 1, Label: "Stablecoins", LTV: 9300, LiquidationThreshold: 9500},
		},
	}
}

// stubLLM 返回固定抽取结果或错误，模拟模型行为。
type stubLLM struct {
	extraction *llm.Extraction
	err        error
}

func (s *stubLLM) Extract(context.Context, llm.Request) (*llm.Extraction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.extraction, nil
}

func newTestDeps(t *testing.T, client llm.Client) Deps {
	t.Helper()
	market, err := sim.NewMarket(testMarketDefinition(), testOwner)
	if err != nil {
		t.Fatalf("create sim market: %v", err)
	}
	t.Cleanup(market.Close)
	return Deps{Aave: market, LLM: client}
}

func newTestRegistry(t *testing.T, deps Deps) *action.Registry {
	t.Helper()
	registry, err := action.NewRegistry(action.RegistryConfig{})
	if err != nil {
		t.Fatalf("create registry: %v", err)
	}
	if err := RegisterAll(registry, deps); err != nil {
		t.Fatalf("register actions: %v", err)
	}
	return registry
}

func ownerMessage(text string) action.Message {
	return action.Message{ID: "m1", UserID: "u1", Address: testOwner.Hex(), Text: text}
}

func TestRoutingLiterals(t *testing.T) {
	deps := newTestDeps(t, rules.NewExtractor([]string{"WETH", "USDC"}))
	registry := newTestRegistry(t, deps)
	ctx := context.Background()

	cases := []struct {
		text string
		want string
	}{
		{"please supply 2 WETH for me", "supply"},
		{"deposit 100 usdc", "supply"},
		{"withdraw all my WETH", "withdraw"},
		{"borrow 500 USDC at a stable rate", "borrow"},
		{"repay my USDC loan", "repay"},
		{"enable emode category 1", "emode"},
		{"what is my position?", "position"},
		{"帮我存入 1 WETH", "supply"},
		{"偿还全部 USDC", "repay"},
	}
	for _, tc := range cases {
		id, err := registry.Match(ctx, action.Message{Text: tc.text})
		if err != nil {
			t.Fatalf("match %q: %v", tc.text, err)
		}
		if id != tc.want {
			t.Errorf("message %q routed to %s, want %s", tc.text, id, tc.want)
		}
	}

	if _, err := registry.Match(ctx, action.Message{Text: "tell me a joke"}); !errors.Is(err, action.ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch for irrelevant message, got %v", err)
	}
}

func TestSupplyEndToEnd(t *testing.T) {
	deps := newTestDeps(t, rules.NewExtractor([]string{"WETH", "USDC"}))
	registry := newTestRegistry(t, deps)
	ctx := context.Background()

	result, id, err := registry.Dispatch(ctx, ownerMessage("supply 2 WETH"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if id != "supply" {
		t.Fatalf("expected supply action, got %s", id)
	}
	if result.TxHash == "" {
		t.Fatal("expected a transaction hash")
	}
	if result.Data["amount"] != "2" || result.Data["asset"] != "WETH" {
		t.Fatalf("unexpected data: %+v", result.Data)
	}
	if !strings.Contains(result.Reply, "已存入 2 WETH") {
		t.Fatalf("unexpected reply: %s", result.Reply)
	}
	if !strings.Contains(result.Reply, "∞") {
		t.Fatalf("expected infinite health factor in reply, got %s", result.Reply)
	}
}

func TestMaxSentinelSurvivesToWithdraw(t *testing.T) {
	deps := newTestDeps(t, rules.NewExtractor([]string{"WETH", "USDC"}))
	registry := newTestRegistry(t, deps)
	ctx := context.Background()

	if _, _, err := registry.Dispatch(ctx, ownerMessage("supply 3 WETH")); err != nil {
		t.Fatalf("supply: %v", err)
	}

	result, id, err := registry.Dispatch(ctx, ownerMessage("withdraw all my WETH"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if id != "withdraw" {
		t.Fatalf("expected withdraw action, got %s", id)
	}
	// "-1" 哨兵在模拟市场里展开为全部存入余额。
	if result.Data["amount"] != "3" {
		t.Fatalf("expected full balance 3, got %v", result.Data["amount"])
	}
}

func TestMalformedExtractionFails(t *testing.T) {
	deps := newTestDeps(t, &stubLLM{err: errors.New("模型输出不是合法 JSON")})
	registry := newTestRegistry(t, deps)
	ctx := context.Background()

	_, _, err := registry.Dispatch(ctx, ownerMessage("supply 2 WETH"))
	if err == nil {
		t.Fatal("expected failure for malformed model output")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %s", xerrors.CodeOf(err))
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty failure message")
	}
}

func TestBorrowWithoutCollateral(t *testing.T) {
	deps := newTestDeps(t, rules.NewExtractor([]string{"WETH", "USDC"}))
	registry := newTestRegistry(t, deps)
	ctx := context.Background()

	_, _, err := registry.Dispatch(ctx, ownerMessage("borrow 100 USDC"))
	if xerrors.CodeOf(err) != aave.CodeNoPosition {
		t.Fatalf("expected NO_POSITION, got %v", err)
	}
}

func TestWithdrawWithoutPosition(t *testing.T) {
	deps := newTestDeps(t, rules.NewExtractor([]string{"WETH", "USDC"}))
	registry := newTestRegistry(t, deps)
	ctx := context.Background()

	_, _, err := registry.Dispatch(ctx, ownerMessage("withdraw 1 WETH"))
	if xerrors.CodeOf(err) != aave.CodeNoPosition {
		t.Fatalf("expected NO_POSITION, got %v", err)
	}
}

func TestStableRateRejectedWhenUnsupported(t *testing.T) {
	deps := newTestDeps(t, &stubLLM{extraction: &llm.Extraction{
		Asset:    "WETH",
		Amount:   "1",
		RateMode: "stable",
	}})
	registry := newTestRegistry(t, deps)
	ctx := context.Background()

	if _, _, err := registry.Dispatch(ctx, ownerMessage("supply 2 WETH")); err != nil {
		// stubLLM 对所有意图返回同一份抽取结果，因此先手动建仓。
		t.Fatalf("supply: %v", err)
	}

	_, _, err := registry.Dispatch(ctx, ownerMessage("borrow 1 WETH at stable rate"))
	if xerrors.CodeOf(err) != aave.CodeInvalidRateMode {
		t.Fatalf("expected INVALID_RATE_MODE, got %v", err)
	}
}

func TestEModeIncompatibleDebt(t *testing.T) {
	deps := newTestDeps(t, rules.NewExtractor([]string{"WETH", "USDC"}))
	registry := newTestRegistry(t, deps)
	ctx := context.Background()

	if _, _, err := registry.Dispatch(ctx, ownerMessage("supply 5 WETH")); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, _, err := registry.Dispatch(ctx, ownerMessage("borrow 1 WETH")); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	_, _, err := registry.Dispatch(ctx, ownerMessage("enable emode category 1"))
	if xerrors.CodeOf(err) != aave.CodeEModeIncompatible {
		t.Fatalf("expected EMODE_INCOMPATIBLE, got %v", err)
	}
}

func TestEModeDisableRejectedWhenFactorWouldDrop(t *testing.T) {
	deps := newTestDeps(t, rules.NewExtractor([]string{"WETH", "USDC"}))
	registry := newTestRegistry(t, deps)
	ctx := context.Background()

	if _, _, err := registry.Dispatch(ctx, ownerMessage("supply 5000 USDC")); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, _, err := registry.Dispatch(ctx, ownerMessage("enable emode category 1")); err != nil {
		t.Fatalf("enable emode: %v", err)
	}
	// 债务在分类 1 的阈值 9500 下安全，退出后普通阈值 7800 会把因子压到 1 以下。
	if _, _, err := registry.Dispatch(ctx, ownerMessage("borrow 4500 USDC")); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	_, _, err := registry.Dispatch(ctx, ownerMessage("disable emode"))
	if xerrors.CodeOf(err) != aave.CodeHealthFactorFloor {
		t.Fatalf("expected HEALTH_FACTOR_TOO_LOW, got %v", err)
	}
}

func TestEngineExecuteAndRecovery(t *testing.T) {
	deps := newTestDeps(t, rules.NewExtractor([]string{"WETH", "USDC"}))
	registry := newTestRegistry(t, deps)
	engine, err := NewEngine(registry, suggest.NewStaticProvider(suggest.Defaults(), 3))
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	ctx := context.Background()

	out, err := engine.Execute(ctx, &message.Message{ID: "m1", Address: testOwner.Hex(), Text: "supply 1 WETH"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.ActionID != "supply" || out.TxHash == "" || out.Asset != "WETH" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	noMatch, err := engine.Execute(ctx, &message.Message{ID: "m2", Text: "tell me a joke"})
	if err != nil {
		t.Fatalf("execute no-match: %v", err)
	}
	if noMatch.Reply != noMatchReply {
		t.Fatalf("unexpected no-match reply: %s", noMatch.Reply)
	}

	cause := xerrors.New(aave.CodeUnknownAsset, "当前市场不支持资产 DOGE")
	degraded, err := engine.Recovery().Recover(ctx, &message.Message{ID: "m3", Text: "supply 1 DOGE"}, cause)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if degraded == nil || degraded.Reply == "" {
		t.Fatal("expected a degraded reply")
	}
	if len(degraded.Suggestions) == 0 {
		t.Fatal("expected canned suggestions for unknown asset")
	}
}
