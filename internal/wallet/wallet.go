// Package wallet 管理代理执行链上交易所用的签名身份。
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 抽象交易签名方。链客户端通过它构造 TransactOpts。
type Signer interface {
	// Address 返回签名方的账户地址。
	Address() common.Address
	// TransactOpts 返回绑定到指定链的交易选项。
	TransactOpts(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error)
}

// LocalSigner 使用本地私钥签名，适合开发和单钱包部署。
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address

	mu    sync.Mutex
	cache map[string]*bind.TransactOpts
}

// NewLocalSigner 从十六进制私钥构造签名器。
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("未配置钱包私钥")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析钱包私钥失败: %w", err)
	}
	return &LocalSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		cache:   make(map[string]*bind.TransactOpts),
	}, nil
}

// Address 返回钱包地址。
func (s *LocalSigner) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

// TransactOpts 返回绑定链 ID 的交易选项。同一条链上的选项会被复用。
func (s *LocalSigner) TransactOpts(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("签名器未初始化")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("缺少合法的链 ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := chainID.String()
	opts, ok := s.cache[cacheKey]
	if !ok {
		var err error
		opts, err = bind.NewKeyedTransactorWithChainID(s.key, chainID)
		if err != nil {
			return nil, fmt.Errorf("构造交易签名器失败: %w", err)
		}
		s.cache[cacheKey] = opts
	}

	clone := *opts
	clone.Context = ctx
	return &clone, nil
}
