package contract

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"onchain-marketplace-front/logger"
	"onchain-marketplace-front/model"
)

// MarketplaceGateway はマーケットプレイスコントラクトとの連携を担当
type MarketplaceGateway interface {
	// GetProductIds は出品中の商品ID一覧を取得
	GetProductIds(ctx context.Context) ([]uint64, error)

	// GetProduct はコントラクトから商品情報を取得 (Price は未設定、PriceWei のみ)
	GetProduct(ctx context.Context, productId uint64) (*model.Product, error)

	// BuyProduct は buyProduct を送信し、マイニングを待つ
	BuyProduct(ctx context.Context, from common.Address, productId uint64) (*types.Receipt, error)

	// GetContractAddress はコントラクトアドレスを返す
	GetContractAddress() common.Address

	// VerifyTransaction はトランザクションを検証
	VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error)
}

// MarketplaceContractGateway は MarketplaceGateway の実装
type MarketplaceContractGateway struct {
	client          ChainClient
	transactor      *Transactor
	contractAddress common.Address
	contractABI     abi.ABI
}

// NewMarketplaceContractGateway は新しいコントラクトゲートウェイを作成
func NewMarketplaceContractGateway(client ChainClient, transactor *Transactor, contractAddr string) (*MarketplaceContractGateway, error) {
	parsedABI, err := abi.JSON(strings.NewReader(MarketplaceABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse marketplace ABI: %w", err)
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid marketplace address: %q", contractAddr)
	}

	contractAddress := common.HexToAddress(contractAddr)
	if contractAddress == (common.Address{}) {
		logger.Warn("Marketplace address appears to be zero address")
	}

	for _, method := range []string{"getProductIds", "getProduct", "buyProduct"} {
		if _, ok := parsedABI.Methods[method]; !ok {
			return nil, fmt.Errorf("method %s not found in marketplace ABI", method)
		}
	}
	logger.Info("Marketplace contract gateway initialized", zap.String("address", contractAddress.Hex()))

	return &MarketplaceContractGateway{
		client:          client,
		transactor:      transactor,
		contractAddress: contractAddress,
		contractABI:     parsedABI,
	}, nil
}

func (g *MarketplaceContractGateway) GetContractAddress() common.Address {
	return g.contractAddress
}

// GetProductIds は getProductIds を呼び出す
func (g *MarketplaceContractGateway) GetProductIds(ctx context.Context) ([]uint64, error) {
	out, err := CallView(ctx, g.client, g.contractABI, g.contractAddress, "getProductIds")
	if err != nil {
		return nil, err
	}

	raw, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getProductIds result type %T", out[0])
	}

	ids := make([]uint64, 0, len(raw))
	for _, id := range raw {
		if !id.IsUint64() {
			return nil, fmt.Errorf("product id %s overflows uint64", id)
		}
		ids = append(ids, id.Uint64())
	}
	return ids, nil
}

// GetProduct は getProduct を呼び出し、タプルを model.Product に変換する
func (g *MarketplaceContractGateway) GetProduct(ctx context.Context, productId uint64) (*model.Product, error) {
	out, err := CallView(ctx, g.client, g.contractABI, g.contractAddress, "getProduct", new(big.Int).SetUint64(productId))
	if err != nil {
		return nil, err
	}

	// owner, name, image, description, price, sold
	var product struct {
		Owner       common.Address
		Name        string
		Image       string
		Description string
		Price       *big.Int
		Sold        bool
	}
	if err := g.contractABI.Methods["getProduct"].Outputs.Copy(&product, out); err != nil {
		return nil, fmt.Errorf("failed to decode product %d: %w", productId, err)
	}
	// 未登録のIDはゼロ値のタプルが返る
	if product.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: %d", model.ErrProductNotFound, productId)
	}

	return &model.Product{
		ID:          productId,
		Owner:       product.Owner.Hex(),
		Name:        product.Name,
		Image:       product.Image,
		Description: product.Description,
		PriceWei:    product.Price,
		Sold:        product.Sold,
	}, nil
}

// BuyProduct は buyProduct(productId) を送信する。事前に支払いトークンの approve が必要
func (g *MarketplaceContractGateway) BuyProduct(ctx context.Context, from common.Address, productId uint64) (*types.Receipt, error) {
	data, err := g.contractABI.Pack("buyProduct", new(big.Int).SetUint64(productId))
	if err != nil {
		return nil, err
	}
	return g.transactor.SendAndWait(ctx, from, g.contractAddress, data)
}

// VerifyTransaction はトランザクションの状態を確認する
func (g *MarketplaceContractGateway) VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error) {
	hash, err := parseTxHash(txHash)
	if err != nil {
		return nil, err
	}

	tx, isPending, err := g.client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("transaction not found: %w", err)
	}
	verification := &model.TxVerification{
		TxHash:         hash.Hex(),
		Status:         "pending",
		IsContractCall: tx.To() != nil && *tx.To() == g.contractAddress,
	}
	if isPending {
		return verification, nil
	}

	receipt, err := g.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
	}
	verification.BlockNumber = receipt.BlockNumber.Uint64()
	verification.GasUsed = receipt.GasUsed

	switch receipt.Status {
	case types.ReceiptStatusSuccessful:
		verification.Status = "success"
		verification.Success = true
	default:
		verification.Status = "failed"
	}
	return verification, nil
}

// parseTxHash は 0x 付き64桁の16進数だけを受け付ける
func parseTxHash(s string) (common.Hash, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}
	return common.BytesToHash(b), nil
}
