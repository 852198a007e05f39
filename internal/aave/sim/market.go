// Package sim 提供一个内存中的借贷市场，复刻池子的核心行为，
// 用于本地开发和集成测试，不依赖任何链上节点。
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"OpenLend-Chain/internal/aave"
	xerrors "OpenLend-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var bpsDenominator = big.NewInt(10000)

type reserveState struct {
	meta         aave.Reserve
	priceBase    *big.Int // base currency units per whole token
	ltv          int      // bps
	liqThreshold int      // bps
	wallet       *big.Int
	supplied     *big.Int
	variableDebt *big.Int
	stableDebt   *big.Int
}

// Market 实现 aave.Service，所有状态保存在内存中。
type Market struct {
	mu         sync.Mutex
	owner      common.Address
	reserves   map[string]*reserveState
	order      []string
	categories []aave.EModeCategory
	emode      uint8
	nonce      uint64
}

// NewMarket 按市场定义构造模拟市场。SimBalance 字段决定钱包的初始持仓。
func NewMarket(def aave.MarketDefinition, owner common.Address) (*Market, error) {
	market := &Market{
		owner:      owner,
		reserves:   make(map[string]*reserveState, len(def.Assets)),
		categories: def.Categories(),
	}
	for symbol, asset := range def.Assets {
		symbol = strings.ToUpper(symbol)
		if asset.PriceBase <= 0 {
			return nil, fmt.Errorf("模拟市场资产 %s 缺少 price_base", symbol)
		}
		wallet := new(big.Int)
		if strings.TrimSpace(asset.SimBalance) != "" {
			var err error
			wallet, err = aave.ToBaseUnits(asset.SimBalance, asset.Decimals)
			if err != nil {
				return nil, fmt.Errorf("模拟市场资产 %s 的 sim_balance 非法: %w", symbol, err)
			}
		}
		market.reserves[symbol] = &reserveState{
			meta: aave.Reserve{
				Symbol:            symbol,
				Underlying:        common.HexToAddress(asset.Address),
				Decimals:          asset.Decimals,
				EModeCategory:     asset.EModeCategory,
				BorrowingEnabled:  asset.BorrowingEnabled,
				StableRateEnabled: asset.StableBorrowEnabled,
			},
			priceBase:    big.NewInt(asset.PriceBase),
			ltv:          asset.LTV,
			liqThreshold: asset.LiquidationThreshold,
			wallet:       wallet,
			supplied:     new(big.Int),
			variableDebt: new(big.Int),
			stableDebt:   new(big.Int),
		}
		market.order = append(market.order, symbol)
	}
	sort.Strings(market.order)
	return market, nil
}

// Close 实现 aave.Service，无资源需要释放。
func (m *Market) Close() {}

// Supply 把钱包余额转入存款。MaxUint256 表示全部余额。
func (m *Market) Supply(ctx context.Context, req aave.SupplyRequest) (*aave.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reserve, err := m.reserve(req.Asset)
	if err != nil {
		return nil, err
	}
	amount := req.Amount
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少存入金额")
	}
	if amount.Cmp(aave.MaxUint256) == 0 {
		amount = new(big.Int).Set(reserve.wallet)
	}
	if amount.Sign() == 0 || reserve.wallet.Cmp(amount) < 0 {
		return nil, xerrors.New(aave.CodeInsufficientFunds,
			fmt.Sprintf("钱包 %s 余额不足", reserve.meta.Symbol))
	}

	reserve.wallet.Sub(reserve.wallet, amount)
	reserve.supplied.Add(reserve.supplied, amount)
	return m.receipt(reserve, amount, aave.RateModeNone), nil
}

// Withdraw 把存款转回钱包。取出后健康因子不得低于 1。
func (m *Market) Withdraw(ctx context.Context, req aave.WithdrawRequest) (*aave.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reserve, err := m.reserve(req.Asset)
	if err != nil {
		return nil, err
	}
	if reserve.supplied.Sign() == 0 {
		return nil, xerrors.New(aave.CodeNoPosition,
			fmt.Sprintf("没有 %s 存款可取回", reserve.meta.Symbol))
	}
	amount := req.Amount
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少取回金额")
	}
	if amount.Cmp(aave.MaxUint256) == 0 {
		amount = new(big.Int).Set(reserve.supplied)
	}
	if reserve.supplied.Cmp(amount) < 0 {
		return nil, xerrors.New(aave.CodeInsufficientFunds,
			fmt.Sprintf("%s 存款余额不足", reserve.meta.Symbol))
	}

	reserve.supplied.Sub(reserve.supplied, amount)
	reserve.wallet.Add(reserve.wallet, amount)
	if hf := m.healthFactor(); hf.Cmp(aave.HealthFactorWad) < 0 {
		// 回滚并拒绝。
		reserve.supplied.Add(reserve.supplied, amount)
		reserve.wallet.Sub(reserve.wallet, amount)
		return nil, xerrors.New(aave.CodeHealthFactorFloor,
			fmt.Sprintf("取回 %s 会使健康因子跌破 1", reserve.meta.Symbol))
	}
	return m.receipt(reserve, amount, aave.RateModeNone), nil
}

// Borrow 检查可借额度后增加债务并把借款打入钱包。
func (m *Market) Borrow(ctx context.Context, req aave.BorrowRequest) (*aave.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reserve, err := m.reserve(req.Asset)
	if err != nil {
		return nil, err
	}
	if !reserve.meta.BorrowingEnabled {
		return nil, xerrors.New(aave.CodeBorrowNotEnabled,
			fmt.Sprintf("%s 未开启借款", reserve.meta.Symbol))
	}
	if req.RateMode != aave.RateModeStable && req.RateMode != aave.RateModeVariable {
		return nil, xerrors.New(aave.CodeInvalidRateMode, "借款必须指定利率模式")
	}
	if req.RateMode == aave.RateModeStable && !reserve.meta.StableRateEnabled {
		return nil, xerrors.New(aave.CodeInvalidRateMode,
			fmt.Sprintf("%s 不支持固定利率借款", reserve.meta.Symbol))
	}
	amount := req.Amount
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少借款金额")
	}
	if m.emode != 0 && reserve.meta.EModeCategory != m.emode {
		return nil, xerrors.New(aave.CodeEModeIncompatible,
			fmt.Sprintf("%s 不属于当前效率模式分类 %d", reserve.meta.Symbol, m.emode))
	}

	borrowValue := m.baseValue(reserve, amount)
	_, _, available := m.accountTotals()
	if available.Cmp(borrowValue) < 0 {
		return nil, xerrors.New(aave.CodeHealthFactorFloor,
			fmt.Sprintf("抵押不足，无法借出 %s %s", aave.FromBaseUnits(amount, reserve.meta.Decimals), reserve.meta.Symbol))
	}

	if req.RateMode == aave.RateModeStable {
		reserve.stableDebt.Add(reserve.stableDebt, amount)
	} else {
		reserve.variableDebt.Add(reserve.variableDebt, amount)
	}
	reserve.wallet.Add(reserve.wallet, amount)
	return m.receipt(reserve, amount, req.RateMode), nil
}

// Repay 用钱包余额冲抵债务。MaxUint256 表示全额清偿。
func (m *Market) Repay(ctx context.Context, req aave.RepayRequest) (*aave.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reserve, err := m.reserve(req.Asset)
	if err != nil {
		return nil, err
	}
	debt := reserve.variableDebt
	if req.RateMode == aave.RateModeStable {
		debt = reserve.stableDebt
	}
	if debt.Sign() == 0 {
		return nil, xerrors.New(aave.CodeNothingToRepay,
			fmt.Sprintf("%s 没有待还债务", reserve.meta.Symbol))
	}
	amount := req.Amount
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少还款金额")
	}
	if amount.Cmp(aave.MaxUint256) == 0 || amount.Cmp(debt) > 0 {
		amount = new(big.Int).Set(debt)
	}
	if reserve.wallet.Cmp(amount) < 0 {
		return nil, xerrors.New(aave.CodeInsufficientFunds,
			fmt.Sprintf("钱包 %s 余额不足以还款", reserve.meta.Symbol))
	}

	reserve.wallet.Sub(reserve.wallet, amount)
	debt.Sub(debt, amount)
	return m.receipt(reserve, amount, req.RateMode), nil
}

// SetUserEMode 切换效率模式。已有债务必须都属于目标分类。
func (m *Market) SetUserEMode(ctx context.Context, category uint8) (*aave.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if category != 0 {
		found := false
		for _, c := range m.categories {
			if c.ID == category {
				found = true
				break
			}
		}
		if !found {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("市场未定义效率模式分类 %d", category))
		}
		for _, symbol := range m.order {
			reserve := m.reserves[symbol]
			if reserve.variableDebt.Sign() == 0 && reserve.stableDebt.Sign() == 0 {
				continue
			}
			if reserve.meta.EModeCategory != category {
				return nil, xerrors.New(aave.CodeEModeIncompatible,
					fmt.Sprintf("存在 %s 借款，与分类 %d 不兼容", symbol, category))
			}
		}
	}

	previous := m.emode
	m.emode = category
	if hf := m.healthFactor(); hf.Cmp(aave.HealthFactorWad) < 0 {
		// 回滚并拒绝。退出效率模式会收紧风险参数，可能压低健康因子。
		m.emode = previous
		return nil, xerrors.New(aave.CodeHealthFactorFloor,
			fmt.Sprintf("切换效率模式分类到 %d 会使健康因子跌破 1", category))
	}
	return &aave.Receipt{TxHash: m.nextHash(), HealthFactor: m.healthFactor()}, nil
}

// UserPosition 汇总当前账户状态。模拟市场只维护单一钱包。
func (m *Market) UserPosition(ctx context.Context, user common.Address) (*aave.UserPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	collateral, debt, available := m.accountTotals()
	position := &aave.UserPosition{
		Address:                     m.owner,
		TotalCollateralBase:         collateral,
		TotalDebtBase:               debt,
		AvailableBorrowsBase:        available,
		CurrentLiquidationThreshold: m.weightedThreshold(collateral),
		LTV:                         m.weightedLTV(collateral),
		HealthFactor:                m.healthFactor(),
		EModeCategory:               m.emode,
	}
	for _, symbol := range m.order {
		reserve := m.reserves[symbol]
		if reserve.supplied.Sign() > 0 {
			position.Supplies = append(position.Supplies, aave.Holding{
				Asset:  symbol,
				Amount: new(big.Int).Set(reserve.supplied),
			})
		}
		if reserve.variableDebt.Sign() > 0 {
			position.Borrows = append(position.Borrows, aave.Debt{
				Asset:    symbol,
				Amount:   new(big.Int).Set(reserve.variableDebt),
				RateMode: aave.RateModeVariable,
			})
		}
		if reserve.stableDebt.Sign() > 0 {
			position.Borrows = append(position.Borrows, aave.Debt{
				Asset:    symbol,
				Amount:   new(big.Int).Set(reserve.stableDebt),
				RateMode: aave.RateModeStable,
			})
		}
	}
	return position, nil
}

// Reserves returns the reserve catalogue in symbol order.
func (m *Market) Reserves(ctx context.Context) ([]aave.Reserve, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reserves := make([]aave.Reserve, 0, len(m.order))
	for _, symbol := range m.order {
		reserves = append(reserves, m.reserves[symbol].meta)
	}
	return reserves, nil
}

// EModeCategories returns the configured efficiency mode catalogue.
func (m *Market) EModeCategories(ctx context.Context) ([]aave.EModeCategory, error) {
	categories := make([]aave.EModeCategory, len(m.categories))
	copy(categories, m.categories)
	return categories, nil
}

// WalletBalance 返回模拟钱包持有的底层资产余额。
func (m *Market) WalletBalance(ctx context.Context, user common.Address, asset string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reserve, err := m.reserve(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(reserve.wallet), nil
}

func (m *Market) reserve(symbol string) (*reserveState, error) {
	reserve, ok := m.reserves[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, xerrors.New(aave.CodeUnknownAsset, fmt.Sprintf("市场未上架资产: %s", symbol))
	}
	return reserve, nil
}

// baseValue 把代币数量折算为基础货币价值。
func (m *Market) baseValue(reserve *reserveState, amount *big.Int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(reserve.meta.Decimals)), nil)
	value := new(big.Int).Mul(amount, reserve.priceBase)
	return value.Div(value, scale)
}

// effectiveRisk 返回考虑效率模式后的 LTV 和清算阈值（bps）。
func (m *Market) effectiveRisk(reserve *reserveState) (int, int) {
	if m.emode != 0 && reserve.meta.EModeCategory == m.emode {
		for _, c := range m.categories {
			if c.ID == m.emode {
				return c.LTV, c.LiquidationThreshold
			}
		}
	}
	return reserve.ltv, reserve.liqThreshold
}

// accountTotals 返回抵押总值、债务总值和剩余可借额度（基础货币）。
func (m *Market) accountTotals() (collateral, debt, available *big.Int) {
	collateral = new(big.Int)
	debt = new(big.Int)
	borrowPower := new(big.Int)
	for _, symbol := range m.order {
		reserve := m.reserves[symbol]
		ltv, _ := m.effectiveRisk(reserve)
		if reserve.supplied.Sign() > 0 {
			value := m.baseValue(reserve, reserve.supplied)
			collateral.Add(collateral, value)
			weighted := new(big.Int).Mul(value, big.NewInt(int64(ltv)))
			borrowPower.Add(borrowPower, weighted.Div(weighted, bpsDenominator))
		}
		if reserve.variableDebt.Sign() > 0 {
			debt.Add(debt, m.baseValue(reserve, reserve.variableDebt))
		}
		if reserve.stableDebt.Sign() > 0 {
			debt.Add(debt, m.baseValue(reserve, reserve.stableDebt))
		}
	}
	available = new(big.Int).Sub(borrowPower, debt)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	return collateral, debt, available
}

// weightedThreshold 返回按抵押价值加权的清算阈值（bps）。
func (m *Market) weightedThreshold(collateral *big.Int) *big.Int {
	if collateral.Sign() == 0 {
		return new(big.Int)
	}
	sum := new(big.Int)
	for _, symbol := range m.order {
		reserve := m.reserves[symbol]
		if reserve.supplied.Sign() == 0 {
			continue
		}
		_, threshold := m.effectiveRisk(reserve)
		value := m.baseValue(reserve, reserve.supplied)
		sum.Add(sum, value.Mul(value, big.NewInt(int64(threshold))))
	}
	return sum.Div(sum, collateral)
}

// weightedLTV 返回按抵押价值加权的 LTV（bps）。
func (m *Market) weightedLTV(collateral *big.Int) *big.Int {
	if collateral.Sign() == 0 {
		return new(big.Int)
	}
	sum := new(big.Int)
	for _, symbol := range m.order {
		reserve := m.reserves[symbol]
		if reserve.supplied.Sign() == 0 {
			continue
		}
		ltv, _ := m.effectiveRisk(reserve)
		value := m.baseValue(reserve, reserve.supplied)
		sum.Add(sum, value.Mul(value, big.NewInt(int64(ltv))))
	}
	return sum.Div(sum, collateral)
}

// healthFactor 计算 wad 精度的健康因子。无债务返回 MaxUint256。
func (m *Market) healthFactor() *big.Int {
	collateral, debt, _ := m.accountTotals()
	if debt.Sign() == 0 {
		return new(big.Int).Set(aave.MaxUint256)
	}
	threshold := m.weightedThreshold(collateral)
	hf := new(big.Int).Mul(collateral, threshold)
	hf.Mul(hf, aave.HealthFactorWad)
	hf.Div(hf, bpsDenominator)
	return hf.Div(hf, debt)
}

func (m *Market) receipt(reserve *reserveState, amount *big.Int, mode aave.InterestRateMode) *aave.Receipt {
	return &aave.Receipt{
		TxHash:       m.nextHash(),
		Asset:        reserve.meta.Symbol,
		Amount:       new(big.Int).Set(amount),
		RateMode:     mode,
		HealthFactor: m.healthFactor(),
	}
}

// nextHash 生成确定性的伪交易哈希。
func (m *Market) nextHash() common.Hash {
	m.nonce++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], m.nonce)
	return crypto.Keccak256Hash(m.owner.Bytes(), seed[:])
}
