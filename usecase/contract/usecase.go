package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"onchain-marketplace-front/gateway/contract"
	"onchain-marketplace-front/logger"
	"onchain-marketplace-front/model"
	"onchain-marketplace-front/units"
)

// ContractUsecase はマーケットプレイスの商品一覧に関するビジネスロジック
type ContractUsecase interface {
	// RefreshProducts は全商品をコントラクトから取得し直し、スナップショットを置き換える
	RefreshProducts(ctx context.Context) (*model.Catalog, error)

	// Products は最後に取得に成功したスナップショットを返す
	Products() *model.Catalog

	// FindProduct はスナップショットから商品を探す
	FindProduct(productId uint64) (*model.Product, bool)

	// GetProduct はコントラクトから商品情報を直接取得
	GetProduct(ctx context.Context, productId uint64) (*model.Product, error)

	// VerifyTransaction はトランザクションを検証
	VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error)

	// Token は支払いトークンの情報
	Token() model.TokenInfo

	// MarketplaceAddress はマーケットプレイスのアドレス
	MarketplaceAddress() string
}

// Options は商品取得の設定
type Options struct {
	FanoutLimit  int
	RPCRateLimit float64 // 0 は無制限
}

type contractUsecase struct {
	gateway contract.MarketplaceGateway
	token   model.TokenInfo
	fanout  int
	limiter *rate.Limiter
	now     func() time.Time

	// 同時に走る取得は1つだけ
	refreshMu sync.Mutex

	mu      sync.RWMutex
	catalog *model.Catalog
}

func NewContractUsecase(gw contract.MarketplaceGateway, token model.TokenInfo, opts Options) *contractUsecase {
	if opts.FanoutLimit <= 0 {
		opts.FanoutLimit = 1
	}

	var limiter *rate.Limiter
	if opts.RPCRateLimit > 0 {
		burst := int(opts.RPCRateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPCRateLimit), burst)
	}

	return &contractUsecase{
		gateway: gw,
		token:   token,
		fanout:  opts.FanoutLimit,
		limiter: limiter,
		now:     time.Now,
		catalog: &model.Catalog{Products: []*model.Product{}},
	}
}

// RefreshProducts は getProductIds -> getProduct(id) を並列に呼び出す
// 個別の取得に失敗した商品はスキップし、ID一覧の取得に失敗した場合は前回のスナップショットを残す
func (uc *contractUsecase) RefreshProducts(ctx context.Context) (*model.Catalog, error) {
	uc.refreshMu.Lock()
	defer uc.refreshMu.Unlock()

	ids, err := uc.gateway.GetProductIds(ctx)
	if err != nil {
		logger.Error("Failed to fetch product ids", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", model.ErrFetchFailed, err)
	}

	results := make([]*model.Product, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.fanout)
	for i, id := range ids {
		g.Go(func() error {
			if uc.limiter != nil {
				if err := uc.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			product, err := uc.getProductDetails(gctx, id)
			if err != nil {
				logger.Warn("Failed to fetch product details", zap.Uint64("product_id", id), zap.Error(err))
				return nil
			}
			results[i] = product
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrFetchFailed, err)
	}
	// キャンセルされた場合は途中結果でスナップショットを置き換えない
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrFetchFailed, err)
	}

	products := make([]*model.Product, 0, len(results))
	for _, p := range results {
		if p != nil {
			products = append(products, p)
		}
	}

	catalog := &model.Catalog{
		Products:  products,
		FetchedAt: uc.now(),
		Skipped:   len(ids) - len(products),
	}

	uc.mu.Lock()
	uc.catalog = catalog
	uc.mu.Unlock()

	logger.Info("Products refreshed",
		zap.Int("count", len(products)),
		zap.Int("skipped", catalog.Skipped))
	return catalog, nil
}

func (uc *contractUsecase) getProductDetails(ctx context.Context, productId uint64) (*model.Product, error) {
	product, err := uc.gateway.GetProduct(ctx, productId)
	if err != nil {
		return nil, err
	}
	product.Price = units.FormatUnits(product.PriceWei, uc.token.Decimals)
	return product, nil
}

func (uc *contractUsecase) Products() *model.Catalog {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.catalog
}

func (uc *contractUsecase) FindProduct(productId uint64) (*model.Product, bool) {
	for _, p := range uc.Products().Products {
		if p.ID == productId {
			return p, true
		}
	}
	return nil, false
}

// GetProduct はコントラクトから商品情報を取得
func (uc *contractUsecase) GetProduct(ctx context.Context, productId uint64) (*model.Product, error) {
	return uc.getProductDetails(ctx, productId)
}

// VerifyTransaction はトランザクションを検証
func (uc *contractUsecase) VerifyTransaction(ctx context.Context, txHash string) (*model.TxVerification, error) {
	return uc.gateway.VerifyTransaction(ctx, txHash)
}

func (uc *contractUsecase) Token() model.TokenInfo {
	return uc.token
}

func (uc *contractUsecase) MarketplaceAddress() string {
	return uc.gateway.GetContractAddress().Hex()
}
