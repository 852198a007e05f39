package aave

import (
	"math/big"
	"testing"
)

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		name     string
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{name: "integer", amount: "100", decimals: 6, want: "100000000"},
		{name: "fraction", amount: "1.5", decimals: 6, want: "1500000"},
		{name: "full precision", amount: "0.000001", decimals: 6, want: "1"},
		{name: "eighteen decimals", amount: "2.5", decimals: 18, want: "2500000000000000000"},
		{name: "sentinel", amount: "-1", decimals: 6, want: MaxUint256.String()},
		{name: "max keyword", amount: "max", decimals: 18, want: MaxUint256.String()},
		{name: "too precise", amount: "0.0000001", decimals: 6, wantErr: true},
		{name: "zero", amount: "0", decimals: 6, wantErr: true},
		{name: "garbage", amount: "ten", decimals: 6, wantErr: true},
		{name: "empty", amount: "", decimals: 6, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ToBaseUnits(tc.amount, tc.decimals)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("期望报错, 实际得到 %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("未预期的错误: %v", err)
			}
			if got.String() != tc.want {
				t.Fatalf("期望 %s, 实际 %s", tc.want, got)
			}
		})
	}
}

func TestFromBaseUnits(t *testing.T) {
	cases := []struct {
		value    string
		decimals int
		want     string
	}{
		{"1500000", 6, "1.5"},
		{"100000000", 6, "100"},
		{"1", 6, "0.000001"},
		{"2500000000000000000", 18, "2.5"},
		{"0", 6, "0"},
	}
	for _, tc := range cases {
		value, _ := new(big.Int).SetString(tc.value, 10)
		if got := FromBaseUnits(value, tc.decimals); got != tc.want {
			t.Fatalf("FromBaseUnits(%s, %d) = %s, 期望 %s", tc.value, tc.decimals, got, tc.want)
		}
	}
}

func TestIsMaxAmount(t *testing.T) {
	for _, raw := range []string{"-1", "max", " MAX ", "Max"} {
		if !IsMaxAmount(raw) {
			t.Fatalf("%q 应识别为全部余额", raw)
		}
	}
	for _, raw := range []string{"100", "-2", "", "maximal"} {
		if IsMaxAmount(raw) {
			t.Fatalf("%q 不应识别为全部余额", raw)
		}
	}
}

func TestParseRateMode(t *testing.T) {
	cases := []struct {
		raw     string
		want    InterestRateMode
		wantErr bool
	}{
		{raw: "stable", want: RateModeStable},
		{raw: "1", want: RateModeStable},
		{raw: "variable", want: RateModeVariable},
		{raw: "2", want: RateModeVariable},
		{raw: "", want: RateModeVariable},
		{raw: "hourly", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseRateMode(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseRateMode(%q) 应报错", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRateMode(%q) 报错: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRateMode(%q) = %v, 期望 %v", tc.raw, got, tc.want)
		}
	}
}

func TestBorrowParamsRejectMaxSentinel(t *testing.T) {
	params := BorrowParams{Asset: "USDC", Amount: "-1", RateMode: RateModeVariable}
	if err := params.Validate(); err == nil {
		t.Fatal("借款不应接受全部余额哨兵值")
	}
}

func TestSupplyParamsKeepMaxSentinel(t *testing.T) {
	params := SupplyParams{Asset: "WETH", Amount: "-1"}
	if err := params.Validate(); err != nil {
		t.Fatalf("存入应接受哨兵值: %v", err)
	}
}

func TestFormatHealthFactor(t *testing.T) {
	wad, _ := new(big.Int).SetString("1875000000000000000", 10)
	if got := FormatHealthFactor(wad); got != "1.88" {
		t.Fatalf("期望 1.88, 实际 %s", got)
	}
	if got := FormatHealthFactor(MaxUint256); got != "∞" {
		t.Fatalf("无债务仓位应显示 ∞, 实际 %s", got)
	}
	if got := FormatHealthFactor(nil); got != "0.00" {
		t.Fatalf("nil 应显示 0.00, 实际 %s", got)
	}
}
