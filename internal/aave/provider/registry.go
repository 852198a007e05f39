// Package provider 按配置实例化并管理多个借贷市场客户端。
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"OpenLend-Chain/internal/aave"
	"OpenLend-Chain/internal/aave/ethereum"
	"OpenLend-Chain/internal/aave/sim"
	"OpenLend-Chain/internal/config"
	"OpenLend-Chain/internal/wallet"
)

// Registry manages a set of market services keyed by human readable names.
type Registry struct {
	defaultMarket string
	services      map[string]aave.Service
}

// NewRegistry loads market definitions and instantiates concrete services.
func NewRegistry(ctx context.Context, cfg config.MarketsConfig, signer wallet.Signer) (*Registry, error) {
	defs, err := aave.LoadMarketDefinitions(cfg.MarketConfig)
	if err != nil {
		return nil, err
	}

	services := make(map[string]aave.Service)
	for name, market := range defs.Markets {
		marketType := strings.ToLower(strings.TrimSpace(market.Type))
		if marketType == "" {
			marketType = "evm"
		}
		switch marketType {
		case "evm":
			service, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:        name,
				RPCURL:      market.RPCURL,
				BatchRPCURL: market.BatchRPCURL,
				ChainID:     market.ChainID,
				PoolAddress: market.PoolAddress,
				Notes:       market.Description,
			}, market, signer)
			if err != nil {
				return nil, fmt.Errorf("初始化市场 %s 失败: %w", name, err)
			}
			services[name] = service
		case "simulated":
			service, err := sim.NewMarket(market, signer.Address())
			if err != nil {
				return nil, fmt.Errorf("初始化模拟市场 %s 失败: %w", name, err)
			}
			services[name] = service
		default:
			return nil, fmt.Errorf("市场 %s 使用了不支持的类型 %s", name, market.Type)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("未配置任何借贷市场")
	}

	defaultMarket := cfg.DefaultMarket
	if defaultMarket == "" {
		names := make([]string, 0, len(services))
		for name := range services {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultMarket = names[0]
	}
	if _, ok := services[defaultMarket]; !ok {
		return nil, fmt.Errorf("默认市场 %s 未在配置中找到", defaultMarket)
	}

	return &Registry{defaultMarket: defaultMarket, services: services}, nil
}

// DefaultService returns the service configured as default market.
func (r *Registry) DefaultService() (aave.Service, error) {
	if r == nil {
		return nil, errors.New("未初始化的市场注册表")
	}
	service, ok := r.services[r.defaultMarket]
	if !ok {
		return nil, fmt.Errorf("默认市场 %s 未在注册表中", r.defaultMarket)
	}
	return service, nil
}

// Service returns the market service identified by name.
func (r *Registry) Service(name string) (aave.Service, bool) {
	if r == nil {
		return nil, false
	}
	service, ok := r.services[name]
	return service, ok
}

// Close releases all services managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, service := range r.services {
		if service != nil {
			service.Close()
		}
		delete(r.services, name)
	}
}

// Markets returns the list of registered market names.
func (r *Registry) Markets() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
