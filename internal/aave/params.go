package aave

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	xerrors "OpenLend-Chain/internal/errors"
)

// MaxAmountSentinel 表示"全部余额"的金额哨兵值，贯穿参数抽取到链上调用。
const MaxAmountSentinel = "-1"

// SupplyParams 描述一次存入操作的结构化参数。
type SupplyParams struct {
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	OnBehalfOf string `json:"on_behalf_of,omitempty"`
}

// WithdrawParams 描述一次取回操作的结构化参数。
type WithdrawParams struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// BorrowParams 描述一次借款操作的结构化参数。
type BorrowParams struct {
	Asset    string           `json:"asset"`
	Amount   string           `json:"amount"`
	RateMode InterestRateMode `json:"rate_mode"`
}

// RepayParams 描述一次还款操作的结构化参数。
type RepayParams struct {
	Asset    string           `json:"asset"`
	Amount   string           `json:"amount"`
	RateMode InterestRateMode `json:"rate_mode"`
}

// EModeParams 描述一次效率模式切换的结构化参数。Category 为 0 表示关闭。
type EModeParams struct {
	Category uint8 `json:"category"`
}

// IsMaxAmount 判断金额是否为"全部"哨兵值。
func IsMaxAmount(amount string) bool {
	switch strings.ToLower(strings.TrimSpace(amount)) {
	case MaxAmountSentinel, "max":
		return true
	default:
		return false
	}
}

// ParseRateMode 解析利率模式字符串。
func ParseRateMode(raw string) (InterestRateMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "stable", "1":
		return RateModeStable, nil
	case "variable", "2", "":
		return RateModeVariable, nil
	default:
		return RateModeNone, xerrors.New(CodeInvalidRateMode, fmt.Sprintf("无法识别的利率模式: %s", raw))
	}
}

// ParseCategory 解析 eMode 分类编号。
func ParseCategory(raw string) (uint8, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "eMode 分类不能为空")
	}
	value, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("无法识别的 eMode 分类: %s", raw))
	}
	return uint8(value), nil
}

// Validate 检查存入参数。哨兵值 "-1" 原样保留。
func (p SupplyParams) Validate() error {
	if strings.TrimSpace(p.Asset) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产符号不能为空")
	}
	return validateAmount(p.Amount)
}

// Validate 检查取回参数。
func (p WithdrawParams) Validate() error {
	if strings.TrimSpace(p.Asset) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产符号不能为空")
	}
	return validateAmount(p.Amount)
}

// Validate 检查借款参数。借款不允许 "-1" 哨兵值。
func (p BorrowParams) Validate() error {
	if strings.TrimSpace(p.Asset) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产符号不能为空")
	}
	if IsMaxAmount(p.Amount) {
		return xerrors.New(xerrors.CodeInvalidArgument, "借款金额必须是具体数值")
	}
	if p.RateMode != RateModeStable && p.RateMode != RateModeVariable {
		return xerrors.New(CodeInvalidRateMode, "借款必须指定 stable 或 variable 利率模式")
	}
	return validateAmount(p.Amount)
}

// Validate 检查还款参数。
func (p RepayParams) Validate() error {
	if strings.TrimSpace(p.Asset) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产符号不能为空")
	}
	if p.RateMode != RateModeStable && p.RateMode != RateModeVariable {
		return xerrors.New(CodeInvalidRateMode, "还款必须指定 stable 或 variable 利率模式")
	}
	return validateAmount(p.Amount)
}

func validateAmount(amount string) error {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "金额不能为空")
	}
	if IsMaxAmount(amount) {
		return nil
	}
	value, ok := new(big.Float).SetString(amount)
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无法解析的金额: %s", amount))
	}
	if value.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "金额必须大于 0")
	}
	return nil
}

// ToBaseUnits 把十进制金额字符串转换为代币最小单位。
// 哨兵值 "-1"/"max" 映射为 MaxUint256。转换使用纯字符串运算，避免浮点误差。
func ToBaseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if IsMaxAmount(amount) {
		return new(big.Int).Set(MaxUint256), nil
	}
	if decimals < 0 || decimals > 77 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的小数位数: %d", decimals))
	}

	whole, frac := amount, ""
	if idx := strings.IndexByte(amount, '.'); idx >= 0 {
		whole, frac = amount[:idx], amount[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("金额 %s 超出资产精度 %d 位", amount, decimals))
	}
	frac += strings.Repeat("0", decimals-len(frac))

	combined := whole + frac
	value, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无法解析的金额: %s", amount))
	}
	if value.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额必须大于 0")
	}
	return value, nil
}

// FormatHealthFactor 把 wad 精度的健康因子格式化为两位小数。
// 无债务仓位的健康因子是 MaxUint256，显示为 "∞"。
func FormatHealthFactor(wad *big.Int) string {
	if wad == nil {
		return "0.00"
	}
	if wad.Cmp(MaxUint256) == 0 {
		return "∞"
	}
	value := new(big.Float).Quo(new(big.Float).SetInt(wad), new(big.Float).SetInt(HealthFactorWad))
	return value.Text('f', 2)
}

// FromBaseUnits 把最小单位金额格式化为十进制字符串，去掉多余的尾随零。
func FromBaseUnits(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	text := value.String()
	negative := strings.HasPrefix(text, "-")
	if negative {
		text = text[1:]
	}
	if decimals <= 0 {
		if negative {
			return "-" + text
		}
		return text
	}
	if len(text) <= decimals {
		text = strings.Repeat("0", decimals-len(text)+1) + text
	}
	whole := text[:len(text)-decimals]
	frac := strings.TrimRight(text[len(text)-decimals:], "0")
	result := whole
	if frac != "" {
		result += "." + frac
	}
	if negative {
		result = "-" + result
	}
	return result
}
