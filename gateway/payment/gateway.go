package gateway

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"onchain-marketplace-front/gateway/contract"
	"onchain-marketplace-front/logger"
	"onchain-marketplace-front/model"
)

// ===============================================
// 1. インターフェース定義
// ===============================================

// TokenGateway は支払いトークン(ERC-20)との連携を担当
type TokenGateway interface {
	// Approve は spender に amount の引き出しを許可し、マイニングを待つ
	Approve(ctx context.Context, from, spender common.Address, amount *big.Int) (*types.Receipt, error)

	// Allowance は owner が spender に許可している残額
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)

	// BalanceOf はアカウントの残高 (最小単位)
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)

	Decimals(ctx context.Context) (uint8, error)
	Symbol(ctx context.Context) (string, error)

	// ScanTransfers は直近 lookback ブロックで from が送金した Transfer イベントを取得
	ScanTransfers(ctx context.Context, from common.Address, lookback uint64) ([]*model.TokenTransfer, error)

	// GetContractAddress はトークンのコントラクトアドレスを返す
	GetContractAddress() common.Address
}

// ===============================================
// 2. 実装: ERC20Gateway
// ===============================================

type ERC20Gateway struct {
	client       ChainClient
	transactor   *contract.Transactor
	tokenAddress common.Address
	tokenABI     abi.ABI
}

// ChainClient は contract.ChainClient と同じ
type ChainClient = contract.ChainClient

// NewERC20Gateway はトークンゲートウェイを作成
func NewERC20Gateway(client ChainClient, transactor *contract.Transactor, tokenAddr string) (*ERC20Gateway, error) {
	parsedABI, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	if !common.IsHexAddress(tokenAddr) {
		return nil, fmt.Errorf("invalid token address: %q", tokenAddr)
	}

	tokenAddress := common.HexToAddress(tokenAddr)
	logger.Info("Payment token gateway initialized", zap.String("address", tokenAddress.Hex()))

	return &ERC20Gateway{
		client:       client,
		transactor:   transactor,
		tokenAddress: tokenAddress,
		tokenABI:     parsedABI,
	}, nil
}

func (g *ERC20Gateway) GetContractAddress() common.Address {
	return g.tokenAddress
}

// Approve は approve(spender, amount) を送信する
func (g *ERC20Gateway) Approve(ctx context.Context, from, spender common.Address, amount *big.Int) (*types.Receipt, error) {
	data, err := g.tokenABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, err
	}
	logger.Info("Approving payment token",
		zap.String("owner", from.Hex()),
		zap.String("spender", spender.Hex()),
		zap.String("amount_wei", amount.String()))
	return g.transactor.SendAndWait(ctx, from, g.tokenAddress, data)
}

func (g *ERC20Gateway) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return g.callUint(ctx, "allowance", owner, spender)
}

func (g *ERC20Gateway) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return g.callUint(ctx, "balanceOf", account)
}

func (g *ERC20Gateway) Decimals(ctx context.Context) (uint8, error) {
	out, err := contract.CallView(ctx, g.client, g.tokenABI, g.tokenAddress, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals result type %T", out[0])
	}
	return d, nil
}

func (g *ERC20Gateway) Symbol(ctx context.Context) (string, error) {
	out, err := contract.CallView(ctx, g.client, g.tokenABI, g.tokenAddress, "symbol")
	if err != nil {
		return "", err
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected symbol result type %T", out[0])
	}
	return s, nil
}

func (g *ERC20Gateway) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := contract.CallView(ctx, g.client, g.tokenABI, g.tokenAddress, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}
	return v, nil
}

// ScanTransfers は過去のブロックから Transfer イベントをスキャン
func (g *ERC20Gateway) ScanTransfers(ctx context.Context, from common.Address, lookback uint64) ([]*model.TokenTransfer, error) {
	header, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}

	currentBlock := header.Number.Uint64()
	fromBlock := uint64(0)
	if currentBlock > lookback {
		fromBlock = currentBlock - lookback
	}

	transferSig := g.tokenABI.Events["Transfer"].ID
	query := ethereum.FilterQuery{
		Addresses: []common.Address{g.tokenAddress},
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(currentBlock),
		Topics:    [][]common.Hash{{transferSig}, {common.BytesToHash(from.Bytes())}},
	}

	logs, err := g.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter transfer logs: %w", err)
	}
	logger.Debug("Scanned transfer logs",
		zap.String("from", from.Hex()),
		zap.Uint64("from_block", fromBlock),
		zap.Uint64("to_block", currentBlock),
		zap.Int("count", len(logs)))

	transfers := make([]*model.TokenTransfer, 0, len(logs))
	for _, vLog := range logs {
		if vLog.Address != g.tokenAddress {
			continue
		}
		transfer := g.parseTransfer(vLog)
		if transfer == nil {
			logger.Warn("Failed to parse transfer log", zap.String("tx_hash", vLog.TxHash.Hex()))
			continue
		}
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

// parseTransfer はログを TokenTransfer に変換 (Value は未設定)
func (g *ERC20Gateway) parseTransfer(vLog types.Log) *model.TokenTransfer {
	// indexed: from, to
	if len(vLog.Topics) < 3 || vLog.Topics[0] != g.tokenABI.Events["Transfer"].ID {
		return nil
	}

	data := make(map[string]interface{})
	if err := g.tokenABI.UnpackIntoMap(data, "Transfer", vLog.Data); err != nil {
		return nil
	}
	value, ok := data["value"].(*big.Int)
	if !ok {
		return nil
	}

	return &model.TokenTransfer{
		TxHash:   vLog.TxHash.Hex(),
		BlockNo:  vLog.BlockNumber,
		From:     common.BytesToAddress(vLog.Topics[1].Bytes()).Hex(),
		To:       common.BytesToAddress(vLog.Topics[2].Bytes()).Hex(),
		ValueWei: value.String(),
	}
}
