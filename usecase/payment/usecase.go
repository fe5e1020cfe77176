package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"onchain-marketplace-front/gateway/contract"
	"onchain-marketplace-front/gateway/payment"
	"onchain-marketplace-front/gateway/wallet"
	"onchain-marketplace-front/logger"
	"onchain-marketplace-front/model"
	"onchain-marketplace-front/units"
)

// PaymentUsecase は購入処理と接続中アカウントに関するビジネスロジック
type PaymentUsecase interface {
	// EnableWallet はウォレットを解錠する
	EnableWallet(ctx context.Context) error

	// BuyProduct は approve -> buyProduct を順に実行し、商品一覧を更新する
	// expectedPrice が空でなければ、表示されていた価格と一致することを確認する
	BuyProduct(ctx context.Context, productId uint64, expectedPrice string) (*model.PurchaseResult, error)

	// Account は接続中アカウントの残高情報
	Account(ctx context.Context) (*model.AccountSummary, error)

	// Purchases は接続中アカウントの支払いトークン送金履歴
	Purchases(ctx context.Context) ([]*model.TokenTransfer, error)
}

// Catalog は購入に必要な商品一覧の操作
type Catalog interface {
	FindProduct(productId uint64) (*model.Product, bool)
	RefreshProducts(ctx context.Context) (*model.Catalog, error)
}

// Marketplace は購入に必要なマーケットプレイスの操作
type Marketplace interface {
	BuyProduct(ctx context.Context, from common.Address, productId uint64) (*types.Receipt, error)
	GetContractAddress() common.Address
}

// Options は購入処理の設定
type Options struct {
	// HistoryBlocks は購入履歴をさかのぼるブロック数
	HistoryBlocks uint64
	// TxTimeout は approve と buyProduct の送信から確認までの上限
	TxTimeout time.Duration
}

type paymentUsecase struct {
	wallet      wallet.Wallet
	token       gateway.TokenGateway
	marketplace Marketplace
	catalog     Catalog
	tokenInfo   model.TokenInfo
	opts        Options
	now         func() time.Time

	// approve は許可額を上書きし、購入後に sold が変わるため、確認から更新までを1件ずつ行う
	buyMu sync.Mutex
}

// NewPaymentUsecase は w が nil の場合、読み取り専用として動作する
func NewPaymentUsecase(w wallet.Wallet, token gateway.TokenGateway, marketplace Marketplace, catalog Catalog, tokenInfo model.TokenInfo, opts Options) *paymentUsecase {
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 5 * time.Minute
	}
	return &paymentUsecase{
		wallet:      w,
		token:       token,
		marketplace: marketplace,
		catalog:     catalog,
		tokenInfo:   tokenInfo,
		opts:        opts,
		now:         time.Now,
	}
}

func (uc *paymentUsecase) EnableWallet(ctx context.Context) error {
	if uc.wallet == nil {
		return model.ErrNoWallet
	}
	return uc.wallet.Enable(ctx)
}

func (uc *paymentUsecase) account() (common.Address, error) {
	if uc.wallet == nil {
		return common.Address{}, model.ErrNoWallet
	}
	from, err := uc.wallet.DefaultAccount()
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", model.ErrNoWallet, err)
	}
	return from, nil
}

// BuyProduct は商品を購入する
// approve 送信後に失敗した場合は途中結果 (PENDING または APPROVED) とエラーを両方返す
func (uc *paymentUsecase) BuyProduct(ctx context.Context, productId uint64, expectedPrice string) (*model.PurchaseResult, error) {
	from, err := uc.account()
	if err != nil {
		return nil, err
	}

	uc.buyMu.Lock()
	defer uc.buyMu.Unlock()

	// 直前の購入による更新を反映したスナップショットで確認する
	product, amount, err := uc.checkProduct(productId, expectedPrice)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 送信後はリクエストが切れても確認と更新まで続ける
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.opts.TxTimeout)
	defer cancel()

	log := logger.Logger.With(
		zap.Uint64("product_id", productId),
		zap.String("buyer", from.Hex()))

	result := &model.PurchaseResult{
		ProductID:   productId,
		ProductName: product.Name,
		Buyer:       from.Hex(),
		AmountWei:   amount.String(),
		Amount:      product.Price,
	}

	approveReceipt, err := uc.token.Approve(txCtx, from, uc.marketplace.GetContractAddress(), amount)
	if err != nil {
		var txErr *contract.TxError
		if !errors.As(err, &txErr) {
			log.Error("Failed to approve payment token", zap.Error(err))
			return nil, fmt.Errorf("approve failed: %w", err)
		}
		result.ApproveTxHash = txErr.Hash.Hex()
		result.Status = model.PurchasePending
		log.Error("Approve sent but not confirmed", zap.String("approve_tx", result.ApproveTxHash), zap.Error(err))
		return result, fmt.Errorf("approve failed: %w", err)
	}
	result.ApproveTxHash = approveReceipt.TxHash.Hex()
	result.Status = model.PurchaseApproved

	buyReceipt, err := uc.marketplace.BuyProduct(txCtx, from, productId)
	if err != nil {
		var txErr *contract.TxError
		if errors.As(err, &txErr) {
			result.BuyTxHash = txErr.Hash.Hex()
			if !errors.Is(err, contract.ErrTxReverted) {
				// 後でマイニングされうるので一覧も更新しておく
				result.Status = model.PurchasePending
				uc.refresh(txCtx, log)
			}
		}
		log.Error("Failed to buy product", zap.String("approve_tx", result.ApproveTxHash), zap.Error(err))
		return result, fmt.Errorf("buyProduct failed: %w", err)
	}
	result.BuyTxHash = buyReceipt.TxHash.Hex()
	result.Status = model.PurchaseCompleted
	result.CompletedAt = uc.now()

	log.Info("Successfully bought product",
		zap.String("name", product.Name),
		zap.String("buy_tx", result.BuyTxHash))

	uc.refresh(txCtx, log)
	return result, nil
}

// checkProduct は商品が購入可能か確認し、approve する額を返す
func (uc *paymentUsecase) checkProduct(productId uint64, expectedPrice string) (*model.Product, *big.Int, error) {
	product, ok := uc.catalog.FindProduct(productId)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", model.ErrProductNotFound, productId)
	}
	if product.Sold {
		return nil, nil, fmt.Errorf("%w: %s", model.ErrProductSold, product.Name)
	}

	// 表示価格を最小単位に戻した値を approve する
	amount, err := units.ParseUnits(product.Price, uc.tokenInfo.Decimals)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", model.ErrInvalidPrice, err)
	}
	if expectedPrice != "" {
		expected, err := units.ParseUnits(expectedPrice, uc.tokenInfo.Decimals)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", model.ErrInvalidPrice, err)
		}
		if expected.Cmp(amount) != 0 {
			return nil, nil, fmt.Errorf("%w: shown %s, current %s", model.ErrPriceChanged, expectedPrice, product.Price)
		}
	}
	return product, amount, nil
}

// refresh は購入後に商品一覧を更新する。失敗してもログのみ
func (uc *paymentUsecase) refresh(ctx context.Context, log *zap.Logger) {
	if _, err := uc.catalog.RefreshProducts(ctx); err != nil {
		log.Warn("Failed to refresh products after purchase", zap.Error(err))
	}
}

// Account は残高とマーケットプレイスへの承認額を返す
func (uc *paymentUsecase) Account(ctx context.Context) (*model.AccountSummary, error) {
	from, err := uc.account()
	if err != nil {
		return nil, err
	}

	balance, err := uc.token.BalanceOf(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	allowance, err := uc.token.Allowance(ctx, from, uc.marketplace.GetContractAddress())
	if err != nil {
		return nil, fmt.Errorf("failed to get allowance: %w", err)
	}

	return &model.AccountSummary{
		Address:   from.Hex(),
		Symbol:    uc.tokenInfo.Symbol,
		Balance:   units.FormatUnits(balance, uc.tokenInfo.Decimals),
		Allowance: units.FormatUnits(allowance, uc.tokenInfo.Decimals),
	}, nil
}

func (uc *paymentUsecase) Purchases(ctx context.Context) ([]*model.TokenTransfer, error) {
	from, err := uc.account()
	if err != nil {
		return nil, err
	}

	transfers, err := uc.token.ScanTransfers(ctx, from, uc.opts.HistoryBlocks)
	if err != nil {
		return nil, err
	}
	for _, t := range transfers {
		v, ok := new(big.Int).SetString(t.ValueWei, 10)
		if !ok {
			continue
		}
		t.Value = units.FormatUnits(v, uc.tokenInfo.Decimals)
	}
	return transfers, nil
}
