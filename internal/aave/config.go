package aave

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// MarketDefinitions models the structure of configs/markets.yaml.
type MarketDefinitions struct {
	Markets map[string]MarketDefinition `yaml:"markets"`
}

// MarketDefinition describes a single lending market deployment.
type MarketDefinition struct {
	Type            string                     `yaml:"type"`
	ChainID         int64                      `yaml:"chain_id"`
	RPCURL          string                     `yaml:"rpc_url"`
	BatchRPCURL     string                     `yaml:"batch_rpc_url"`
	PoolAddress     string                     `yaml:"pool_address"`
	Description     string                     `yaml:"description"`
	Assets          map[string]AssetDefinition `yaml:"assets"`
	EModeCategories []EModeDefinition          `yaml:"emode_categories"`
}

// AssetDefinition describes one reserve listed on a market.
// PriceBase, LTV, LiquidationThreshold and SimBalance only matter for
// simulated markets; live markets read risk parameters from the chain.
type AssetDefinition struct {
	Address              string `yaml:"address"`
	Decimals             int    `yaml:"decimals"`
	ATokenAddress        string `yaml:"a_token_address"`
	VariableDebtAddress  string `yaml:"variable_debt_address"`
	StableDebtAddress    string `yaml:"stable_debt_address"`
	EModeCategory        uint8  `yaml:"emode_category"`
	BorrowingEnabled     bool   `yaml:"borrowing_enabled"`
	StableBorrowEnabled  bool   `yaml:"stable_borrow_enabled"`
	PriceBase            int64  `yaml:"price_base"`
	LTV                  int    `yaml:"ltv"`
	LiquidationThreshold int    `yaml:"liquidation_threshold"`
	SimBalance           string `yaml:"sim_balance"`
}

// EModeDefinition describes one efficiency mode category of a market.
type EModeDefinition struct {
	ID                   uint8  `yaml:"id"`
	Label                string `yaml:"label"`
	LTV                  uint16 `yaml:"ltv"`
	LiquidationThreshold uint16 `yaml:"liquidation_threshold"`
}

// LoadMarketDefinitions parses the YAML file containing market metadata.
func LoadMarketDefinitions(path string) (MarketDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return MarketDefinitions{Markets: map[string]MarketDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return MarketDefinitions{}, fmt.Errorf("读取市场配置失败: %w", err)
	}

	var defs MarketDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return MarketDefinitions{}, fmt.Errorf("解析市场配置失败: %w", err)
	}
	if defs.Markets == nil {
		defs.Markets = map[string]MarketDefinition{}
	}
	return defs, nil
}

// Reserves converts asset definitions into the runtime reserve catalogue.
func (d MarketDefinition) Reserves() []Reserve {
	reserves := make([]Reserve, 0, len(d.Assets))
	for symbol, asset := range d.Assets {
		reserves = append(reserves, Reserve{
			Symbol:            strings.ToUpper(symbol),
			Underlying:        common.HexToAddress(asset.Address),
			Decimals:          asset.Decimals,
			EModeCategory:     asset.EModeCategory,
			BorrowingEnabled:  asset.BorrowingEnabled,
			StableRateEnabled: asset.StableBorrowEnabled,
		})
	}
	return reserves
}

// Categories converts eMode definitions into the runtime catalogue.
func (d MarketDefinition) Categories() []EModeCategory {
	categories := make([]EModeCategory, 0, len(d.EModeCategories))
	for _, def := range d.EModeCategories {
		categories = append(categories, EModeCategory{
			ID:                   def.ID,
			Label:                def.Label,
			LTV:                  int(def.LTV),
			LiquidationThreshold: int(def.LiquidationThreshold),
		})
	}
	return categories
}
