// Package chaintest provides an in-memory ChainClient for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// CallHandler はデコード済みの引数を受け取り、戻り値を返す
type CallHandler func(method string, args []interface{}) ([]interface{}, error)

type contractStub struct {
	abi     abi.ABI
	handler CallHandler
}

// Chain は ethclient の代わりに使うフェイク
type Chain struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	Head         *types.Header
	GasTip       *big.Int
	GasPrice     *big.Int
	GasEstimate  uint64
	Logs         []types.Log

	// RevertTo に含まれるアドレス宛てのトランザクションは失敗レシートになる
	RevertTo map[common.Address]bool
	// Unmined に含まれるアドレス宛てのトランザクションはレシートが出ない
	Unmined map[common.Address]bool

	contracts map[common.Address]contractStub
	sent      []*types.Transaction
	callCount map[string]int
}

// New は EIP-1559 対応のヘッダーを持つフェイクチェーンを作成
func New() *Chain {
	return &Chain{
		ChainIDValue: big.NewInt(44787),
		Head:         &types.Header{Number: big.NewInt(1000), BaseFee: big.NewInt(1_000_000_000)},
		GasTip:       big.NewInt(1_000_000),
		GasPrice:     big.NewInt(2_000_000_000),
		GasEstimate:  50_000,
		RevertTo:     map[common.Address]bool{},
		Unmined:      map[common.Address]bool{},
		contracts:    map[common.Address]contractStub{},
		callCount:    map[string]int{},
	}
}

// Handle はコントラクトのview呼び出しに応答するハンドラを登録
func (c *Chain) Handle(addr common.Address, contractABI abi.ABI, handler CallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contracts[addr] = contractStub{abi: contractABI, handler: handler}
}

// Sent は送信済みトランザクションを送信順に返す
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// CallCount はメソッドごとのview呼び出し回数
func (c *Chain) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCount[method]
}

// DecodeCall は送信済みトランザクションのデータをメソッド名と引数に戻す
func DecodeCall(contractABI abi.ABI, data []byte) (string, []interface{}, error) {
	if len(data) < 4 {
		return "", nil, errors.New("calldata too short")
	}
	method, err := contractABI.MethodById(data[:4])
	if err != nil {
		return "", nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, err
	}
	return method.Name, args, nil
}

func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if msg.To == nil {
		return nil, errors.New("call without target")
	}

	c.mu.Lock()
	stub, ok := c.contracts[*msg.To]
	c.mu.Unlock()
	if !ok {
		// コントラクトが無いアドレスは空の結果になる
		return nil, nil
	}

	name, args, err := DecodeCall(stub.abi, msg.Data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.callCount[name]++
	c.mu.Unlock()

	ret, err := stub.handler(name, args)
	if err != nil {
		return nil, err
	}
	return stub.abi.Methods[name].Outputs.Pack(ret...)
}

func (c *Chain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.Log
	for _, l := range c.Logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !matchTopics(l.Topics, q.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func matchTopics(topics []common.Hash, filter [][]common.Hash) bool {
	for i, alternatives := range filter {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		matched := false
		for _, want := range alternatives {
			if topics[i] == want {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.Head, nil
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	return c.ChainIDValue, nil
}

func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.sent)), nil
}

func (c *Chain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return c.GasTip, nil
}

func (c *Chain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.GasPrice, nil
}

func (c *Chain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.GasEstimate, nil
}

func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sent {
		if s.Hash() == tx.Hash() {
			return fmt.Errorf("already known: %s", tx.Hash().Hex())
		}
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *Chain) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if tx, _ := c.find(hash); tx != nil {
		return tx, false, nil
	}
	return nil, false, ethereum.NotFound
}

func (c *Chain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	tx, index := c.find(txHash)
	if tx == nil {
		return nil, ethereum.NotFound
	}

	status := types.ReceiptStatusSuccessful
	c.mu.Lock()
	if tx.To() != nil && c.Unmined[*tx.To()] {
		c.mu.Unlock()
		return nil, ethereum.NotFound
	}
	if tx.To() != nil && c.RevertTo[*tx.To()] {
		status = types.ReceiptStatusFailed
	}
	c.mu.Unlock()

	return &types.Receipt{
		Status:      status,
		TxHash:      txHash,
		GasUsed:     tx.Gas() / 2,
		BlockNumber: new(big.Int).Add(c.Head.Number, big.NewInt(int64(index)+1)),
	}, nil
}

func (c *Chain) find(hash common.Hash) (*types.Transaction, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, tx := range c.sent {
		if tx.Hash() == hash {
			return tx, i
		}
	}
	return nil, -1
}
