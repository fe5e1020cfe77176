package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"onchain-marketplace-front/gateway/wallet"
	"onchain-marketplace-front/logger"
)

var (
	ErrNoSigner    = errors.New("no wallet configured for signing")
	ErrTxReverted  = errors.New("transaction reverted")
	ErrTxNotMined  = errors.New("transaction not mined before timeout")
	ErrInvalidHash = errors.New("invalid transaction hash format")
)

// ChainClient は *ethclient.Client のうちこのアプリが使うメソッド
type ChainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxOptions はトランザクション送信の設定
type TxOptions struct {
	PollInterval       time.Duration
	Timeout            time.Duration
	GasHeadroomPercent uint64
}

// Transactor はトランザクションの組み立て・署名・送信・マイニング待ちを担当
type Transactor struct {
	client  ChainClient
	wallet  wallet.Wallet
	chainID *big.Int
	opts    TxOptions

	// nonce取得から送信までを直列化する
	sendMu sync.Mutex
}

// NewTransactor は新しいTransactorを作成。w が nil の場合は読み取り専用
func NewTransactor(client ChainClient, w wallet.Wallet, chainID *big.Int, opts TxOptions) *Transactor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Transactor{
		client:  client,
		wallet:  w,
		chainID: chainID,
		opts:    opts,
	}
}

// Send はコントラクト呼び出しトランザクションを署名して送信する
func (t *Transactor) Send(ctx context.Context, from, to common.Address, data []byte) (*types.Transaction, error) {
	if t.wallet == nil {
		return nil, ErrNoSigner
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	nonce, err := t.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gas, err := t.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gas += gas * t.opts.GasHeadroomPercent / 100

	head, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := t.client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   t.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     big.NewInt(0),
			Data:      data,
		})
	} else {
		gasPrice, err := t.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    big.NewInt(0),
			Data:     data,
		})
	}

	signed, err := t.wallet.SignTx(tx, t.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	logger.Info("Transaction sent",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("from", from.Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas))
	return signed, nil
}

// WaitMined はレシートが取得できるまでポーリングする
// revertされた場合はレシートと ErrTxReverted を返す
func (t *Transactor) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := t.client.TransactionReceipt(ctx, tx.Hash())
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrTxReverted, tx.Hash().Hex())
			}
			logger.Info("Transaction mined",
				zap.String("tx_hash", tx.Hash().Hex()),
				zap.Uint64("block", receipt.BlockNumber.Uint64()),
				zap.Uint64("gas_used", receipt.GasUsed))
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			logger.Warn("Failed to get receipt, retrying",
				zap.String("tx_hash", tx.Hash().Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrTxNotMined, tx.Hash().Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TxError は送信済みトランザクションの確認に失敗したことを表す。Hash は送信済み
type TxError struct {
	Hash common.Hash
	Err  error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.Hash.Hex(), e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

// SendAndWait は Send と WaitMined を続けて実行する
// 送信後の失敗は *TxError で返す
func (t *Transactor) SendAndWait(ctx context.Context, from, to common.Address, data []byte) (*types.Receipt, error) {
	tx, err := t.Send(ctx, from, to, data)
	if err != nil {
		return nil, err
	}
	receipt, err := t.WaitMined(ctx, tx)
	if err != nil {
		return receipt, &TxError{Hash: tx.Hash(), Err: err}
	}
	return receipt, nil
}

// CallView は view 関数を呼び出して結果をデコードする
func CallView(ctx context.Context, client ChainClient, contractABI abi.ABI, addr common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, err
	}

	out, err := contractABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}
