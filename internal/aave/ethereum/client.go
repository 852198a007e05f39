package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"OpenLend-Chain/internal/aave"
	xerrors "OpenLend-Chain/internal/errors"
	"OpenLend-Chain/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// poolABIJSON covers the subset of the Aave V3 Pool interface the agent calls.
const poolABIJSON = `[
  {"type":"function","name":"supply","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"borrow","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"referralCode","type":"uint16"},{"name":"onBehalfOf","type":"address"}],"outputs":[]},
  {"type":"function","name":"repay","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"onBehalfOf","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"setUserEMode","stateMutability":"nonpayable","inputs":[{"name":"categoryId","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"getUserEMode","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getUserAccountData","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"totalCollateralBase","type":"uint256"},{"name":"totalDebtBase","type":"uint256"},{"name":"availableBorrowsBase","type":"uint256"},{"name":"currentLiquidationThreshold","type":"uint256"},{"name":"ltv","type":"uint256"},{"name":"healthFactor","type":"uint256"}]}
]`

// erc20ABIJSON covers approvals and balance reads on underlying and derivative tokens.
const erc20ABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	poolABI  abi.ABI
	erc20ABI abi.ABI
)

func init() {
	var err error
	poolABI, err = abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		panic(fmt.Sprintf("解析 Pool ABI 失败: %v", err))
	}
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("解析 ERC20 ABI 失败: %v", err))
	}
}

// Config describes how to construct a client bound to one market deployment.
type Config struct {
	Name        string
	RPCURL      string
	BatchRPCURL string
	ChainID     int64
	PoolAddress string
	Notes       string
}

// reserveBinding carries the static catalogue entry plus resolved addresses.
type reserveBinding struct {
	meta         aave.Reserve
	aToken       common.Address
	variableDebt common.Address
	stableDebt   common.Address
	token        *bind.BoundContract
}

// Client implements the aave.Service interface against a live EVM market.
type Client struct {
	name        string
	notes       string
	chainID     *big.Int
	rpcClient   *gethrpc.Client
	batchClient *gethrpc.Client
	eth         *ethclient.Client
	pool        *bind.BoundContract
	poolAddr    common.Address
	signer      wallet.Signer
	reserves    map[string]*reserveBinding
	categories  []aave.EModeCategory
	mu          sync.Mutex
}

// NewClient dials the configured endpoints and binds the pool contract.
func NewClient(ctx context.Context, cfg Config, def aave.MarketDefinition, signer wallet.Signer) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置市场 RPC 地址")
	}
	if signer == nil {
		return nil, errors.New("未配置交易签名器")
	}
	poolHex := strings.TrimSpace(cfg.PoolAddress)
	if !common.IsHexAddress(poolHex) {
		return nil, fmt.Errorf("非法的 Pool 合约地址: %s", cfg.PoolAddress)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("连接批量查询节点失败: %w", err)
		}
	}

	poolAddr := common.HexToAddress(poolHex)
	client := &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		chainID:     big.NewInt(cfg.ChainID),
		rpcClient:   rpcClient,
		batchClient: batchClient,
		eth:         eth,
		pool:        bind.NewBoundContract(poolAddr, poolABI, eth, eth, eth),
		poolAddr:    poolAddr,
		signer:      signer,
		reserves:    make(map[string]*reserveBinding, len(def.Assets)),
		categories:  def.Categories(),
	}

	for symbol, asset := range def.Assets {
		if !common.IsHexAddress(asset.Address) {
			client.Close()
			return nil, fmt.Errorf("资产 %s 的地址非法: %s", symbol, asset.Address)
		}
		underlying := common.HexToAddress(asset.Address)
		client.reserves[strings.ToUpper(symbol)] = &reserveBinding{
			meta: aave.Reserve{
				Symbol:            strings.ToUpper(symbol),
				Underlying:        underlying,
				Decimals:          asset.Decimals,
				EModeCategory:     asset.EModeCategory,
				BorrowingEnabled:  asset.BorrowingEnabled,
				StableRateEnabled: asset.StableBorrowEnabled,
			},
			aToken:       common.HexToAddress(asset.ATokenAddress),
			variableDebt: common.HexToAddress(asset.VariableDebtAddress),
			stableDebt:   common.HexToAddress(asset.StableDebtAddress),
			token:        bind.NewBoundContract(underlying, erc20ABI, eth, eth, eth),
		}
	}
	return client, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// Supply 先确保授权额度，再调用 Pool.supply。金额为 MaxUint256 时按钱包余额存入。
func (c *Client) Supply(ctx context.Context, req aave.SupplyRequest) (*aave.Receipt, error) {
	reserve, err := c.reserve(req.Asset)
	if err != nil {
		return nil, err
	}

	amount := req.Amount
	if amount == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少存入金额")
	}
	if amount.Cmp(aave.MaxUint256) == 0 {
		amount, err = c.tokenBalance(ctx, reserve.token, c.signer.Address())
		if err != nil {
			return nil, err
		}
		if amount.Sign() == 0 {
			return nil, xerrors.New(aave.CodeInsufficientFunds, fmt.Sprintf("钱包没有可存入的 %s", reserve.meta.Symbol))
		}
	}

	onBehalfOf := req.OnBehalfOf
	if onBehalfOf == (common.Address{}) {
		onBehalfOf = c.signer.Address()
	}

	if err := c.ensureAllowance(ctx, reserve, amount); err != nil {
		return nil, err
	}

	opts, err := c.signer.TransactOpts(ctx, c.chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "构造交易失败")
	}
	tx, err := c.pool.Transact(opts, "supply", reserve.meta.Underlying, amount, onBehalfOf, uint16(0))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "supply 交易失败")
	}
	return c.receipt(ctx, tx, reserve, amount, aave.RateModeNone)
}

// Withdraw 调用 Pool.withdraw。金额为 MaxUint256 时由协议按全部存款结算。
func (c *Client) Withdraw(ctx context.Context, req aave.WithdrawRequest) (*aave.Receipt, error) {
	reserve, err := c.reserve(req.Asset)
	if err != nil {
		return nil, err
	}
	if req.Amount == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少取回金额")
	}

	to := req.To
	if to == (common.Address{}) {
		to = c.signer.Address()
	}

	opts, err := c.signer.TransactOpts(ctx, c.chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "构造交易失败")
	}
	tx, err := c.pool.Transact(opts, "withdraw", reserve.meta.Underlying, req.Amount, to)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "withdraw 交易失败")
	}
	return c.receipt(ctx, tx, reserve, req.Amount, aave.RateModeNone)
}

// Borrow 调用 Pool.borrow。
func (c *Client) Borrow(ctx context.Context, req aave.BorrowRequest) (*aave.Receipt, error) {
	reserve, err := c.reserve(req.Asset)
	if err != nil {
		return nil, err
	}
	if !reserve.meta.BorrowingEnabled {
		return nil, xerrors.New(aave.CodeBorrowNotEnabled, fmt.Sprintf("%s 未开启借款", reserve.meta.Symbol))
	}
	if req.RateMode == aave.RateModeStable && !reserve.meta.StableRateEnabled {
		return nil, xerrors.New(aave.CodeInvalidRateMode, fmt.Sprintf("%s 不支持固定利率借款", reserve.meta.Symbol))
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少借款金额")
	}

	onBehalfOf := req.OnBehalfOf
	if onBehalfOf == (common.Address{}) {
		onBehalfOf = c.signer.Address()
	}

	opts, err := c.signer.TransactOpts(ctx, c.chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "构造交易失败")
	}
	tx, err := c.pool.Transact(opts, "borrow",
		reserve.meta.Underlying, req.Amount, big.NewInt(int64(req.RateMode)), uint16(0), onBehalfOf)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "borrow 交易失败")
	}
	return c.receipt(ctx, tx, reserve, req.Amount, req.RateMode)
}

// Repay 先授权再调用 Pool.repay。金额为 MaxUint256 表示全额清偿。
func (c *Client) Repay(ctx context.Context, req aave.RepayRequest) (*aave.Receipt, error) {
	reserve, err := c.reserve(req.Asset)
	if err != nil {
		return nil, err
	}
	if req.Amount == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少还款金额")
	}

	onBehalfOf := req.OnBehalfOf
	if onBehalfOf == (common.Address{}) {
		onBehalfOf = c.signer.Address()
	}

	// 全额还款时按当前债务余额授权，避免对 MaxUint256 本身做 approve。
	approveAmount := req.Amount
	if req.Amount.Cmp(aave.MaxUint256) == 0 {
		debt, debtErr := c.debtBalance(ctx, reserve, req.RateMode)
		if debtErr != nil {
			return nil, debtErr
		}
		if debt.Sign() == 0 {
			return nil, xerrors.New(aave.CodeNothingToRepay, fmt.Sprintf("%s 没有待还债务", reserve.meta.Symbol))
		}
		// 留出利息累积的余量。
		approveAmount = new(big.Int).Add(debt, new(big.Int).Div(debt, big.NewInt(100)))
	}
	if err := c.ensureAllowance(ctx, reserve, approveAmount); err != nil {
		return nil, err
	}

	opts, err := c.signer.TransactOpts(ctx, c.chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "构造交易失败")
	}
	tx, err := c.pool.Transact(opts, "repay",
		reserve.meta.Underlying, req.Amount, big.NewInt(int64(req.RateMode)), onBehalfOf)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "repay 交易失败")
	}
	return c.receipt(ctx, tx, reserve, req.Amount, req.RateMode)
}

// SetUserEMode 调用 Pool.setUserEMode。
func (c *Client) SetUserEMode(ctx context.Context, category uint8) (*aave.Receipt, error) {
	opts, err := c.signer.TransactOpts(ctx, c.chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "构造交易失败")
	}
	tx, err := c.pool.Transact(opts, "setUserEMode", category)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "setUserEMode 交易失败")
	}
	hf, err := c.confirmAndReadFactor(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &aave.Receipt{TxHash: tx.Hash(), HealthFactor: hf}, nil
}

// UserPosition 聚合账户总览和逐资产余额。余额查询走批量 RPC。
func (c *Client) UserPosition(ctx context.Context, user common.Address) (*aave.UserPosition, error) {
	if user == (common.Address{}) {
		user = c.signer.Address()
	}

	var out []any
	if err := c.pool.Call(&bind.CallOpts{Context: ctx}, &out, "getUserAccountData", user); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询账户数据失败")
	}
	if len(out) != 6 {
		return nil, xerrors.New(xerrors.CodeChainFailure, "getUserAccountData 返回值数量异常")
	}

	position := &aave.UserPosition{
		Address:                     user,
		TotalCollateralBase:         asBig(out[0]),
		TotalDebtBase:               asBig(out[1]),
		AvailableBorrowsBase:        asBig(out[2]),
		CurrentLiquidationThreshold: asBig(out[3]),
		LTV:                         asBig(out[4]),
		HealthFactor:                asBig(out[5]),
	}

	var emodeOut []any
	if err := c.pool.Call(&bind.CallOpts{Context: ctx}, &emodeOut, "getUserEMode", user); err == nil && len(emodeOut) == 1 {
		position.EModeCategory = uint8(asBig(emodeOut[0]).Uint64())
	}

	supplies, borrows, err := c.reserveBalances(ctx, user)
	if err != nil {
		return nil, err
	}
	position.Supplies = supplies
	position.Borrows = borrows
	return position, nil
}

// Reserves returns the static reserve catalogue for this market.
func (c *Client) Reserves(ctx context.Context) ([]aave.Reserve, error) {
	reserves := make([]aave.Reserve, 0, len(c.reserves))
	for _, binding := range c.reserves {
		reserves = append(reserves, binding.meta)
	}
	return reserves, nil
}

// EModeCategories returns the configured efficiency mode catalogue.
func (c *Client) EModeCategories(ctx context.Context) ([]aave.EModeCategory, error) {
	categories := make([]aave.EModeCategory, len(c.categories))
	copy(categories, c.categories)
	return categories, nil
}

// WalletBalance 查询指定地址持有的底层资产余额。零地址表示签名钱包。
func (c *Client) WalletBalance(ctx context.Context, user common.Address, asset string) (*big.Int, error) {
	reserve, err := c.reserve(asset)
	if err != nil {
		return nil, err
	}
	if user == (common.Address{}) {
		user = c.signer.Address()
	}
	return c.tokenBalance(ctx, reserve.token, user)
}

func (c *Client) reserve(symbol string) (*reserveBinding, error) {
	binding, ok := c.reserves[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, xerrors.New(aave.CodeUnknownAsset, fmt.Sprintf("市场未上架资产: %s", symbol))
	}
	return binding, nil
}

func (c *Client) ensureAllowance(ctx context.Context, reserve *reserveBinding, amount *big.Int) error {
	var out []any
	err := reserve.token.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", c.signer.Address(), c.poolAddr)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "查询授权额度失败")
	}
	if len(out) == 1 && asBig(out[0]).Cmp(amount) >= 0 {
		return nil
	}

	opts, err := c.signer.TransactOpts(ctx, c.chainID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "构造授权交易失败")
	}
	tx, err := reserve.token.Transact(opts, "approve", c.poolAddr, amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "approve 交易失败")
	}
	if _, err := bind.WaitMined(ctx, c.eth, tx); err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "等待授权交易上链失败")
	}
	return nil
}

func (c *Client) debtBalance(ctx context.Context, reserve *reserveBinding, mode aave.InterestRateMode) (*big.Int, error) {
	debtToken := reserve.variableDebt
	if mode == aave.RateModeStable {
		debtToken = reserve.stableDebt
	}
	bound := bind.NewBoundContract(debtToken, erc20ABI, c.eth, c.eth, c.eth)
	return c.tokenBalance(ctx, bound, c.signer.Address())
}

func (c *Client) tokenBalance(ctx context.Context, token *bind.BoundContract, owner common.Address) (*big.Int, error) {
	var out []any
	if err := token.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询代币余额失败")
	}
	if len(out) != 1 {
		return nil, xerrors.New(xerrors.CodeChainFailure, "balanceOf 返回值数量异常")
	}
	return asBig(out[0]), nil
}

// reserveBalances 用一次批量 eth_call 拉取所有 aToken 与债务代币余额。
func (c *Client) reserveBalances(ctx context.Context, user common.Address) ([]aave.Holding, []aave.Debt, error) {
	callData, err := erc20ABI.Pack("balanceOf", user)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "编码 balanceOf 失败")
	}
	payload := hexutil.Encode(callData)

	type slot struct {
		binding *reserveBinding
		kind    aave.InterestRateMode // RateModeNone 表示 aToken 存款
		result  string
	}
	slots := make([]*slot, 0, len(c.reserves)*3)
	elems := make([]gethrpc.BatchElem, 0, len(c.reserves)*3)
	appendCall := func(binding *reserveBinding, token common.Address, kind aave.InterestRateMode) {
		if token == (common.Address{}) {
			return
		}
		s := &slot{binding: binding, kind: kind}
		slots = append(slots, s)
		elems = append(elems, gethrpc.BatchElem{
			Method: "eth_call",
			Args: []any{
				map[string]string{"to": token.Hex(), "data": payload},
				"latest",
			},
			Result: &s.result,
		})
	}
	for _, binding := range c.reserves {
		appendCall(binding, binding.aToken, aave.RateModeNone)
		appendCall(binding, binding.variableDebt, aave.RateModeVariable)
		appendCall(binding, binding.stableDebt, aave.RateModeStable)
	}
	if len(elems) == 0 {
		return nil, nil, nil
	}

	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "批量查询余额失败")
	}

	var supplies []aave.Holding
	var borrows []aave.Debt
	for i, s := range slots {
		if elems[i].Error != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeChainFailure, elems[i].Error, "余额查询返回错误")
		}
		balance, decodeErr := decodeUint256(s.result)
		if decodeErr != nil {
			return nil, nil, decodeErr
		}
		if balance.Sign() == 0 {
			continue
		}
		switch s.kind {
		case aave.RateModeNone:
			supplies = append(supplies, aave.Holding{Asset: s.binding.meta.Symbol, Amount: balance})
		default:
			borrows = append(borrows, aave.Debt{Asset: s.binding.meta.Symbol, Amount: balance, RateMode: s.kind})
		}
	}
	return supplies, borrows, nil
}

func (c *Client) healthFactor(ctx context.Context, user common.Address) (*big.Int, error) {
	var out []any
	if err := c.pool.Call(&bind.CallOpts{Context: ctx}, &out, "getUserAccountData", user); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询账户数据失败")
	}
	if len(out) != 6 {
		return nil, xerrors.New(xerrors.CodeChainFailure, "getUserAccountData 返回值数量异常")
	}
	return asBig(out[5]), nil
}

// receipt 等交易上链后再读健康因子，保证回复反映操作后的状态。
func (c *Client) receipt(ctx context.Context, tx *types.Transaction, reserve *reserveBinding, amount *big.Int, mode aave.InterestRateMode) (*aave.Receipt, error) {
	hf, err := c.confirmAndReadFactor(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &aave.Receipt{
		TxHash:       tx.Hash(),
		Asset:        reserve.meta.Symbol,
		Amount:       amount,
		RateMode:     mode,
		HealthFactor: hf,
	}, nil
}

func (c *Client) confirmAndReadFactor(ctx context.Context, tx *types.Transaction) (*big.Int, error) {
	mined, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "等待交易上链失败")
	}
	if mined.Status != types.ReceiptStatusSuccessful {
		return nil, xerrors.New(xerrors.CodeChainFailure, fmt.Sprintf("交易 %s 执行失败", tx.Hash().Hex()))
	}
	hf, err := c.healthFactor(ctx, c.signer.Address())
	if err != nil {
		// 交易已成功，健康因子读取失败只降级为空值。
		hf = nil
	}
	return hf, nil
}

func decodeUint256(hexResult string) (*big.Int, error) {
	hexResult = strings.TrimSpace(hexResult)
	if hexResult == "" || hexResult == "0x" {
		return new(big.Int), nil
	}
	raw, err := hexutil.Decode(hexResult)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码余额返回值失败")
	}
	return new(big.Int).SetBytes(raw), nil
}

func asBig(v any) *big.Int {
	if b, ok := v.(*big.Int); ok && b != nil {
		return b
	}
	return new(big.Int)
}
