package aave

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// InterestRateMode selects the Aave borrow rate, matching the on-chain enum.
type InterestRateMode uint8

const (
	RateModeNone     InterestRateMode = 0
	RateModeStable   InterestRateMode = 1
	RateModeVariable InterestRateMode = 2
)

// String returns the lowercase wire form used in chat parameters.
func (m InterestRateMode) String() string {
	switch m {
	case RateModeStable:
		return "stable"
	case RateModeVariable:
		return "variable"
	default:
		return "none"
	}
}

// MaxUint256 is the sentinel the Aave pool accepts for "full balance".
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// HealthFactorWad is the fixed point scale (1e18) of the pool health factor.
var HealthFactorWad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Holding is a supplied balance denominated in the underlying token.
type Holding struct {
	Asset  string
	Amount *big.Int
}

// Debt is an outstanding borrow denominated in the underlying token.
type Debt struct {
	Asset    string
	Amount   *big.Int
	RateMode InterestRateMode
}

// UserPosition mirrors Pool.getUserAccountData plus per-reserve balances.
// Base amounts use the pool's base currency with 8 decimals; LTV and the
// liquidation threshold are expressed in basis points; the health factor is
// a wad. It is fetched fresh on every request and never cached.
type UserPosition struct {
	Address                     common.Address
	TotalCollateralBase         *big.Int
	TotalDebtBase               *big.Int
	AvailableBorrowsBase        *big.Int
	CurrentLiquidationThreshold *big.Int
	LTV                         *big.Int
	HealthFactor                *big.Int
	EModeCategory               uint8
	Supplies                    []Holding
	Borrows                     []Debt
}

// HealthFactorFloat converts the wad health factor for display and threshold
// checks. Positions with no debt report +Inf.
func (p *UserPosition) HealthFactorFloat() float64 {
	if p == nil || p.HealthFactor == nil {
		return 0
	}
	if p.TotalDebtBase != nil && p.TotalDebtBase.Sign() == 0 {
		return float64(1<<63 - 1)
	}
	value, _ := new(big.Float).Quo(
		new(big.Float).SetInt(p.HealthFactor),
		new(big.Float).SetInt(HealthFactorWad),
	).Float64()
	return value
}

// HasDebt reports whether any borrow is outstanding.
func (p *UserPosition) HasDebt() bool {
	return p != nil && p.TotalDebtBase != nil && p.TotalDebtBase.Sign() > 0
}

// Reserve describes one lendable asset of a market.
type Reserve struct {
	Symbol            string
	Underlying        common.Address
	Decimals          int
	EModeCategory     uint8
	BorrowingEnabled  bool
	StableRateEnabled bool
}

// EModeCategory describes one efficiency mode category of a market.
type EModeCategory struct {
	ID                   uint8
	Label                string
	LTV                  int
	LiquidationThreshold int
}

// Receipt captures the outcome of a state changing pool operation.
type Receipt struct {
	TxHash       common.Hash
	Asset        string
	Amount       *big.Int
	RateMode     InterestRateMode
	HealthFactor *big.Int
}

// SupplyRequest feeds Service.Supply.
type SupplyRequest struct {
	Asset      string
	Amount     *big.Int
	OnBehalfOf common.Address
}

// WithdrawRequest feeds Service.Withdraw. Amount may be MaxUint256.
type WithdrawRequest struct {
	Asset  string
	Amount *big.Int
	To     common.Address
}

// BorrowRequest feeds Service.Borrow.
type BorrowRequest struct {
	Asset      string
	Amount     *big.Int
	RateMode   InterestRateMode
	OnBehalfOf common.Address
}

// RepayRequest feeds Service.Repay. Amount may be MaxUint256.
type RepayRequest struct {
	Asset      string
	Amount     *big.Int
	RateMode   InterestRateMode
	OnBehalfOf common.Address
}

// Service defines the common interface any Aave market implementation must
// provide so the actions can interact with different networks uniformly.
type Service interface {
	Supply(ctx context.Context, req SupplyRequest) (*Receipt, error)
	Withdraw(ctx context.Context, req WithdrawRequest) (*Receipt, error)
	Borrow(ctx context.Context, req BorrowRequest) (*Receipt, error)
	Repay(ctx context.Context, req RepayRequest) (*Receipt, error)
	SetUserEMode(ctx context.Context, category uint8) (*Receipt, error)
	UserPosition(ctx context.Context, user common.Address) (*UserPosition, error)
	Reserves(ctx context.Context) ([]Reserve, error)
	EModeCategories(ctx context.Context) ([]EModeCategory, error)
	WalletBalance(ctx context.Context, user common.Address, asset string) (*big.Int, error)
	Close()
}
