package ethereum

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenLend-Chain/internal/wallet"
	xerrors "OpenLend-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const testSignerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeChain 模拟节点的 JSON-RPC 端点，只实现收据与 eth_call 查询。
type fakeChain struct {
	receiptStatus string
	healthFactor  *big.Int
	calls         []string
}

func (f *fakeChain) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("解析 RPC 请求失败: %v", err)
			return
		}
		f.calls = append(f.calls, req.Method)

		var result string
		switch req.Method {
		case "eth_getTransactionReceipt":
			result = fmt.Sprintf(`{
				"transactionHash": %s,
				"transactionIndex": "0x0",
				"blockHash": "0x%064x",
				"blockNumber": "0x1",
				"cumulativeGasUsed": "0x5208",
				"gasUsed": "0x5208",
				"contractAddress": null,
				"logs": [],
				"logsBloom": "0x%0512x",
				"type": "0x0",
				"effectiveGasPrice": "0x1",
				"status": %q
			}`, req.Params[0], 1, 0, f.receiptStatus)
		case "eth_call":
			word := make([]byte, 32)
			f.healthFactor.FillBytes(word)
			result = fmt.Sprintf(`"0x%0320x%064x"`, 0, word)
		default:
			t.Errorf("未预期的 RPC 方法 %s", req.Method)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, result)
	}
}

func newFactorTestClient(t *testing.T, chain *fakeChain) *Client {
	t.Helper()

	server := httptest.NewServer(chain.handler(t))
	t.Cleanup(server.Close)

	rpcClient, err := gethrpc.DialContext(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("连接测试节点失败: %v", err)
	}
	eth := ethclient.NewClient(rpcClient)
	t.Cleanup(eth.Close)

	poolABI, err := abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		t.Fatalf("解析 Pool ABI 失败: %v", err)
	}
	poolAddr := common.HexToAddress("0x0000000000000000000000000000000000000100")
	signer, err := wallet.NewLocalSigner(testSignerKey)
	if err != nil {
		t.Fatalf("构造签名器失败: %v", err)
	}
	return &Client{
		chainID:  big.NewInt(1),
		eth:      eth,
		pool:     bind.NewBoundContract(poolAddr, poolABI, eth, eth, eth),
		poolAddr: poolAddr,
		signer:   signer,
	}
}

func testTx() *types.Transaction {
	to := common.HexToAddress("0x0000000000000000000000000000000000000100")
	return types.NewTx(&types.LegacyTx{Nonce: 0, To: &to, Gas: 21000, GasPrice: big.NewInt(1), Value: big.NewInt(0)})
}

func TestReceiptReadsFactorAfterInclusion(t *testing.T) {
	hf := new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18))
	chain := &fakeChain{receiptStatus: "0x1", healthFactor: hf}
	client := newFactorTestClient(t, chain)

	got, err := client.confirmAndReadFactor(context.Background(), testTx())
	if err != nil {
		t.Fatalf("读取操作后健康因子失败: %v", err)
	}
	if got.Cmp(hf) != 0 {
		t.Fatalf("健康因子应为 %s, 实际 %s", hf, got)
	}

	// 先确认收据，再读账户数据。
	if len(chain.calls) < 2 || chain.calls[0] != "eth_getTransactionReceipt" || chain.calls[len(chain.calls)-1] != "eth_call" {
		t.Fatalf("期望先查收据再 eth_call, 实际调用顺序 %v", chain.calls)
	}
}

func TestReceiptRejectsRevertedTransaction(t *testing.T) {
	chain := &fakeChain{receiptStatus: "0x0", healthFactor: big.NewInt(0)}
	client := newFactorTestClient(t, chain)

	_, err := client.confirmAndReadFactor(context.Background(), testTx())
	if xerrors.CodeOf(err) != xerrors.CodeChainFailure {
		t.Fatalf("期望 CHAIN_FAILURE, 实际 %v", err)
	}
	for _, method := range chain.calls {
		if method == "eth_call" {
			t.Fatal("交易失败后不应再读账户数据")
		}
	}
}
