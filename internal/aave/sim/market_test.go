package sim

import (
	"context"
	"math/big"
	"testing"

	"OpenLend-Chain/internal/aave"
	xerrors "OpenLend-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

func testDefinition() aave.MarketDefinition {
	return aave.MarketDefinition{
		Type: "simulated",
		Assets: map[string]aave.AssetDefinition{
			"WETH": {
				Address:              "0x0000000000000000000000000000000000000001",
				Decimals:             18,
				PriceBase:            2000_00000000,
				LTV:                  8000,
				LiquidationThreshold: 8500,
				BorrowingEnabled:     true,
				SimBalance:           "10",
			},
			"USDC": {
				Address:              "0x0000000000000000000000000000000000000002",
				Decimals:             6,
				PriceBase:            1_00000000,
				LTV:                  7500,
				LiquidationThreshold: 7800,
				EModeCategory:        1,
				BorrowingEnabled:     true,
				StableBorrowEnabled:  true,
				SimBalance:           "500",
			},
			"DAI": {
				Address:              "0x0000000000000000000000000000000000000003",
				Decimals:             18,
				PriceBase:            1_00000000,
				LTV:                  7500,
				LiquidationThreshold: 7800,
				EModeCategory:        1,
				BorrowingEnabled:     true,
			},
		},
		EModeCategories: []aave.EModeDefinition{
			{ID: 1, Label: "Stablecoins", LTV: 9300, LiquidationThreshold: 9500},
		},
	}
}

func newTestMarket(t *testing.T) *Market {
	t.Helper()
	market, err := NewMarket(testDefinition(), common.HexToAddress("0xabc0000000000000000000000000000000000001"))
	if err != nil {
		t.Fatalf("构造模拟市场失败: %v", err)
	}
	return market
}

func amount(t *testing.T, raw string, decimals int) *big.Int {
	t.Helper()
	value, err := aave.ToBaseUnits(raw, decimals)
	if err != nil {
		t.Fatalf("金额 %s 转换失败: %v", raw, err)
	}
	return value
}

func TestSupplyThenBorrowUpdatesHealthFactor(t *testing.T) {
	market := newTestMarket(t)
	ctx := context.Background()

	receipt, err := market.Supply(ctx, aave.SupplyRequest{Asset: "WETH", Amount: amount(t, "5", 18)})
	if err != nil {
		t.Fatalf("存入失败: %v", err)
	}
	if receipt.TxHash == (common.Hash{}) {
		t.Fatal("回执缺少交易哈希")
	}
	if receipt.HealthFactor.Cmp(aave.MaxUint256) != 0 {
		t.Fatal("无债务时健康因子应为 MaxUint256")
	}

	// 5 WETH * 2000 = 10000 基础货币，可借上限 8000。
	receipt, err = market.Borrow(ctx, aave.BorrowRequest{
		Asset:    "USDC",
		Amount:   amount(t, "4000", 6),
		RateMode: aave.RateModeVariable,
	})
	if err != nil {
		t.Fatalf("借款失败: %v", err)
	}
	// HF = 10000 * 0.85 / 4000 = 2.125
	want, _ := new(big.Int).SetString("2125000000000000000", 10)
	if receipt.HealthFactor.Cmp(want) != 0 {
		t.Fatalf("健康因子期望 %s, 实际 %s", want, receipt.HealthFactor)
	}
}

func TestBorrowBeyondCollateralRejected(t *testing.T) {
	market := newTestMarket(t)
	ctx := context.Background()

	if _, err := market.Supply(ctx, aave.SupplyRequest{Asset: "WETH", Amount: amount(t, "1", 18)}); err != nil {
		t.Fatalf("存入失败: %v", err)
	}
	_, err := market.Borrow(ctx, aave.BorrowRequest{
		Asset:    "USDC",
		Amount:   amount(t, "5000", 6),
		RateMode: aave.RateModeVariable,
	})
	if xerrors.CodeOf(err) != aave.CodeHealthFactorFloor {
		t.Fatalf("期望 HEALTH_FACTOR_TOO_LOW, 实际 %v", err)
	}
}

func TestWithdrawGuardsHealthFactor(t *testing.T) {
	market := newTestMarket(t)
	ctx := context.Background()

	if _, err := market.Supply(ctx, aave.SupplyRequest{Asset: "WETH", Amount: amount(t, "5", 18)}); err != nil {
		t.Fatalf("存入失败: %v", err)
	}
	if _, err := market.Borrow(ctx, aave.BorrowRequest{
		Asset:    "USDC",
		Amount:   amount(t, "7000", 6),
		RateMode: aave.RateModeVariable,
	}); err != nil {
		t.Fatalf("借款失败: %v", err)
	}

	// 取出 2 WETH 后抵押仅剩 6000*0.85 = 5100 < 7000 债务。
	_, err := market.Withdraw(ctx, aave.WithdrawRequest{Asset: "WETH", Amount: amount(t, "2", 18)})
	if xerrors.CodeOf(err) != aave.CodeHealthFactorFloor {
		t.Fatalf("期望 HEALTH_FACTOR_TOO_LOW, 实际 %v", err)
	}

	// 被拒后仓位应保持不变。
	position, err := market.UserPosition(ctx, common.Address{})
	if err != nil {
		t.Fatalf("查询仓位失败: %v", err)
	}
	if len(position.Supplies) != 1 || position.Supplies[0].Amount.Cmp(amount(t, "5", 18)) != 0 {
		t.Fatalf("取回被拒后存款应回滚, 实际 %+v", position.Supplies)
	}
}

func TestWithdrawWithoutPosition(t *testing.T) {
	market := newTestMarket(t)
	_, err := market.Withdraw(context.Background(), aave.WithdrawRequest{Asset: "USDC", Amount: amount(t, "10", 6)})
	if xerrors.CodeOf(err) != aave.CodeNoPosition {
		t.Fatalf("期望 NO_POSITION, 实际 %v", err)
	}
}

func TestRepayMaxClearsDebt(t *testing.T) {
	market := newTestMarket(t)
	ctx := context.Background()

	if _, err := market.Supply(ctx, aave.SupplyRequest{Asset: "WETH", Amount: amount(t, "5", 18)}); err != nil {
		t.Fatalf("存入失败: %v", err)
	}
	if _, err := market.Borrow(ctx, aave.BorrowRequest{
		Asset:    "USDC",
		Amount:   amount(t, "1000", 6),
		RateMode: aave.RateModeVariable,
	}); err != nil {
		t.Fatalf("借款失败: %v", err)
	}

	receipt, err := market.Repay(ctx, aave.RepayRequest{
		Asset:    "USDC",
		Amount:   new(big.Int).Set(aave.MaxUint256),
		RateMode: aave.RateModeVariable,
	})
	if err != nil {
		t.Fatalf("还款失败: %v", err)
	}
	if receipt.Amount.Cmp(amount(t, "1000", 6)) != 0 {
		t.Fatalf("全额还款金额期望 1000 USDC, 实际 %s", receipt.Amount)
	}

	position, err := market.UserPosition(ctx, common.Address{})
	if err != nil {
		t.Fatalf("查询仓位失败: %v", err)
	}
	if len(position.Borrows) != 0 {
		t.Fatalf("债务应清零, 实际 %+v", position.Borrows)
	}
	if position.HealthFactor.Cmp(aave.MaxUint256) != 0 {
		t.Fatal("清偿后健康因子应为 MaxUint256")
	}
}

func TestRepayWithoutDebt(t *testing.T) {
	market := newTestMarket(t)
	_, err := market.Repay(context.Background(), aave.RepayRequest{
		Asset:    "USDC",
		Amount:   amount(t, "10", 6),
		RateMode: aave.RateModeVariable,
	})
	if xerrors.CodeOf(err) != aave.CodeNothingToRepay {
		t.Fatalf("期望 NOTHING_TO_REPAY, 实际 %v", err)
	}
}

func TestEModeRejectsIncompatibleDebt(t *testing.T) {
	market := newTestMarket(t)
	ctx := context.Background()

	if _, err := market.Supply(ctx, aave.SupplyRequest{Asset: "USDC", Amount: amount(t, "500", 6)}); err != nil {
		t.Fatalf("存入失败: %v", err)
	}
	if _, err := market.Borrow(ctx, aave.BorrowRequest{
		Asset:    "WETH",
		Amount:   amount(t, "0.1", 18),
		RateMode: aave.RateModeVariable,
	}); err != nil {
		t.Fatalf("借款失败: %v", err)
	}

	// WETH 债务不属于分类 1，切换应被拒。
	_, err := market.SetUserEMode(ctx, 1)
	if xerrors.CodeOf(err) != aave.CodeEModeIncompatible {
		t.Fatalf("期望 EMODE_INCOMPATIBLE, 实际 %v", err)
	}
}

func TestEModeRaisesBorrowPower(t *testing.T) {
	market := newTestMarket(t)
	ctx := context.Background()

	if _, err := market.Supply(ctx, aave.SupplyRequest{Asset: "USDC", Amount: amount(t, "500", 6)}); err != nil {
		t.Fatalf("存入失败: %v", err)
	}
	if _, err := market.SetUserEMode(ctx, 1); err != nil {
		t.Fatalf("开启效率模式失败: %v", err)
	}

	// 普通模式上限 375，效率模式上限 465。
	if _, err := market.Borrow(ctx, aave.BorrowRequest{
		Asset:    "DAI",
		Amount:   amount(t, "450", 18),
		RateMode: aave.RateModeVariable,
	}); err != nil {
		t.Fatalf("效率模式下借款失败: %v", err)
	}

	// 还清债务后分类 0 可以关闭。
	if _, err := market.Repay(ctx, aave.RepayRequest{
		Asset:    "DAI",
		Amount:   new(big.Int).Set(aave.MaxUint256),
		RateMode: aave.RateModeVariable,
	}); err != nil {
		t.Fatalf("还款失败: %v", err)
	}
	if _, err := market.SetUserEMode(ctx, 0); err != nil {
		t.Fatalf("关闭效率模式失败: %v", err)
	}
}

func TestEModeDisableGuardsHealthFactor(t *testing.T) {
	market := newTestMarket(t)
	ctx := context.Background()

	if _, err := market.Supply(ctx, aave.SupplyRequest{Asset: "USDC", Amount: amount(t, "500", 6)}); err != nil {
		t.Fatalf("存入失败: %v", err)
	}
	if _, err := market.SetUserEMode(ctx, 1); err != nil {
		t.Fatalf("开启效率模式失败: %v", err)
	}
	// 债务在效率模式清算阈值 9500 下安全，普通阈值 7800 下因子约 0.87。
	if _, err := market.Borrow(ctx, aave.BorrowRequest{
		Asset:    "DAI",
		Amount:   amount(t, "450", 18),
		RateMode: aave.RateModeVariable,
	}); err != nil {
		t.Fatalf("借款失败: %v", err)
	}

	_, err := market.SetUserEMode(ctx, 0)
	if xerrors.CodeOf(err) != aave.CodeHealthFactorFloor {
		t.Fatalf("期望 HEALTH_FACTOR_TOO_LOW, 实际 %v", err)
	}

	// 拒绝后状态不变，仍处于分类 1。
	position, err := market.UserPosition(ctx, common.Address{})
	if err != nil {
		t.Fatalf("查询仓位失败: %v", err)
	}
	if position.EModeCategory != 1 {
		t.Fatalf("回滚后应保持分类 1, 实际 %d", position.EModeCategory)
	}
}

func TestSupplyMaxUsesWalletBalance(t *testing.T) {
	market := newTestMarket(t)
	ctx := context.Background()

	receipt, err := market.Supply(ctx, aave.SupplyRequest{Asset: "USDC", Amount: new(big.Int).Set(aave.MaxUint256)})
	if err != nil {
		t.Fatalf("存入失败: %v", err)
	}
	if receipt.Amount.Cmp(amount(t, "500", 6)) != 0 {
		t.Fatalf("全部存入应等于钱包余额 500 USDC, 实际 %s", receipt.Amount)
	}

	balance, err := market.WalletBalance(ctx, common.Address{}, "USDC")
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("存入后钱包余额应为 0, 实际 %s", balance)
	}
}

func TestUnknownAsset(t *testing.T) {
	market := newTestMarket(t)
	_, err := market.Supply(context.Background(), aave.SupplyRequest{Asset: "PEPE", Amount: big.NewInt(1)})
	if xerrors.CodeOf(err) != aave.CodeUnknownAsset {
		t.Fatalf("期望 UNKNOWN_ASSET, 实际 %v", err)
	}
}
