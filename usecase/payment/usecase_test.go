package usecase

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"onchain-marketplace-front/gateway/contract"
	"onchain-marketplace-front/model"
)

var (
	buyer       = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	marketplace = common.HexToAddress("0x178134c92EC973F34dD0dd762284b852B211CFC8")
	cusd        = model.TokenInfo{Symbol: "cUSD", Decimals: 18}
)

// callLog は呼び出し順を記録する
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

type fakeWallet struct {
	locked bool
}

func (w *fakeWallet) Enable(ctx context.Context) error {
	w.locked = false
	return nil
}

func (w *fakeWallet) Accounts() []common.Address {
	if w.locked {
		return nil
	}
	return []common.Address{buyer}
}

func (w *fakeWallet) DefaultAccount() (common.Address, error) {
	if w.locked {
		return common.Address{}, errors.New("locked")
	}
	return buyer, nil
}

func (w *fakeWallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}

type fakeToken struct {
	log        *callLog
	approveErr error
	approved   *big.Int
	spender    common.Address
	transfers  []*model.TokenTransfer

	// onApprove は approve の送信中に呼ばれる
	onApprove func()
}

func (f *fakeToken) Approve(ctx context.Context, from, spender common.Address, amount *big.Int) (*types.Receipt, error) {
	f.log.add("approve")
	if f.onApprove != nil {
		f.onApprove()
	}
	if err := ctx.Err(); err != nil {
		return nil, &contract.TxError{Hash: common.HexToHash("0xa1"), Err: err}
	}
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	f.approved = amount
	f.spender = spender
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash("0xa1")}, nil
}

func (f *fakeToken) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return big.NewInt(500000000000000000), nil
}

func (f *fakeToken) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	v, _ := new(big.Int).SetString("12345000000000000000", 10)
	return v, nil
}

func (f *fakeToken) Decimals(ctx context.Context) (uint8, error) { return 18, nil }
func (f *fakeToken) Symbol(ctx context.Context) (string, error)  { return "cUSD", nil }

func (f *fakeToken) ScanTransfers(ctx context.Context, from common.Address, lookback uint64) ([]*model.TokenTransfer, error) {
	return f.transfers, nil
}

func (f *fakeToken) GetContractAddress() common.Address {
	return common.HexToAddress("0x874069Fa1Eb16D44d622F2e0Ca25eeA172369bC1")
}

type fakeMarketplace struct {
	log    *callLog
	buyErr error
	bought []uint64

	onBuy func()
}

func (f *fakeMarketplace) BuyProduct(ctx context.Context, from common.Address, productId uint64) (*types.Receipt, error) {
	f.log.add("buy")
	if f.onBuy != nil {
		f.onBuy()
	}
	if err := ctx.Err(); err != nil {
		return nil, &contract.TxError{Hash: common.HexToHash("0xb2"), Err: err}
	}
	if f.buyErr != nil {
		return nil, f.buyErr
	}
	f.bought = append(f.bought, productId)
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash("0xb2")}, nil
}

func (f *fakeMarketplace) GetContractAddress() common.Address {
	return marketplace
}

type fakeCatalog struct {
	log        *callLog
	refreshErr error
	// soldOnRefresh は更新時に購入済みの商品を sold にする
	soldOnRefresh func() []uint64

	mu         sync.Mutex
	products   map[uint64]*model.Product
	refreshCtx error
}

func (f *fakeCatalog) FindProduct(productId uint64) (*model.Product, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[productId]
	return p, ok
}

func (f *fakeCatalog) RefreshProducts(ctx context.Context) (*model.Catalog, error) {
	f.log.add("refresh")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCtx = ctx.Err()
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.soldOnRefresh != nil {
		for _, id := range f.soldOnRefresh() {
			sold := *f.products[id]
			sold.Sold = true
			f.products[id] = &sold
		}
	}
	return &model.Catalog{}, nil
}

type fixture struct {
	log         *callLog
	wallet      *fakeWallet
	token       *fakeToken
	marketplace *fakeMarketplace
	catalog     *fakeCatalog
	uc          *paymentUsecase
}

func newFixture() *fixture {
	log := &callLog{}
	f := &fixture{
		log:         log,
		wallet:      &fakeWallet{},
		token:       &fakeToken{log: log},
		marketplace: &fakeMarketplace{log: log},
		catalog: &fakeCatalog{log: log, products: map[uint64]*model.Product{
			0: {ID: 0, Name: "Giant BBQ", Price: "3", PriceWei: big.NewInt(3e18)},
			1: {ID: 1, Name: "Pizza", Price: "1.5", PriceWei: big.NewInt(15e17)},
			2: {ID: 2, Name: "Beef burrito", Price: "2", PriceWei: big.NewInt(2e18), Sold: true},
		}},
	}
	f.uc = NewPaymentUsecase(f.wallet, f.token, f.marketplace, f.catalog, cusd, Options{HistoryBlocks: 1000, TxTimeout: time.Second})
	return f
}

func TestBuyProductApprovesThenBuys(t *testing.T) {
	f := newFixture()

	result, err := f.uc.BuyProduct(context.Background(), 1, "1.5")
	if err != nil {
		t.Fatalf("BuyProduct failed: %v", err)
	}

	want := []string{"approve", "buy", "refresh"}
	if len(f.log.calls) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, f.log.calls)
	}
	for i := range want {
		if f.log.calls[i] != want[i] {
			t.Errorf("Expected calls %v, got %v", want, f.log.calls)
			break
		}
	}

	if f.token.approved.Cmp(big.NewInt(15e17)) != 0 {
		t.Errorf("Expected approve amount 1.5e18, got %s", f.token.approved)
	}
	if f.token.spender != marketplace {
		t.Errorf("Expected spender %s, got %s", marketplace.Hex(), f.token.spender.Hex())
	}
	if len(f.marketplace.bought) != 1 || f.marketplace.bought[0] != 1 {
		t.Errorf("Expected product 1 bought, got %v", f.marketplace.bought)
	}
	if result.Status != model.PurchaseCompleted {
		t.Errorf("Expected COMPLETED, got %s", result.Status)
	}
	if result.ApproveTxHash == "" || result.BuyTxHash == "" {
		t.Errorf("Expected both tx hashes, got %+v", result)
	}
	if result.Buyer != buyer.Hex() || result.AmountWei != "1500000000000000000" {
		t.Errorf("Unexpected result: %+v", result)
	}
}

func TestBuyProductWithoutExpectedPrice(t *testing.T) {
	f := newFixture()
	if _, err := f.uc.BuyProduct(context.Background(), 0, ""); err != nil {
		t.Fatalf("BuyProduct failed: %v", err)
	}
	if f.token.approved.Cmp(big.NewInt(3e18)) != 0 {
		t.Errorf("Expected approve amount 3e18, got %s", f.token.approved)
	}
}

func TestBuyProductRejections(t *testing.T) {
	tests := []struct {
		name      string
		productId uint64
		price     string
		setup     func(*fixture)
		wantErr   error
	}{
		{"unknown product", 42, "", nil, model.ErrProductNotFound},
		{"sold product", 2, "2", nil, model.ErrProductSold},
		{"price changed", 1, "1.4", nil, model.ErrPriceChanged},
		{"invalid price", 1, "cheap", nil, model.ErrInvalidPrice},
		{"locked wallet", 1, "", func(f *fixture) { f.wallet.locked = true }, model.ErrNoWallet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if tt.setup != nil {
				tt.setup(f)
			}
			result, err := f.uc.BuyProduct(context.Background(), tt.productId, tt.price)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if result != nil {
				t.Errorf("Expected no result, got %+v", result)
			}
			if len(f.log.calls) != 0 {
				t.Errorf("Expected no chain calls, got %v", f.log.calls)
			}
		})
	}
}

func TestBuyProductWithoutWallet(t *testing.T) {
	f := newFixture()
	uc := NewPaymentUsecase(nil, f.token, f.marketplace, f.catalog, cusd, Options{HistoryBlocks: 1000})

	if _, err := uc.BuyProduct(context.Background(), 1, ""); !errors.Is(err, model.ErrNoWallet) {
		t.Errorf("Expected ErrNoWallet, got %v", err)
	}
	if err := uc.EnableWallet(context.Background()); !errors.Is(err, model.ErrNoWallet) {
		t.Errorf("Expected ErrNoWallet, got %v", err)
	}
}

func TestBuyProductApproveFails(t *testing.T) {
	f := newFixture()
	f.token.approveErr = errors.New("insufficient funds for gas")

	result, err := f.uc.BuyProduct(context.Background(), 1, "")
	if err == nil {
		t.Fatal("Expected error")
	}
	if result != nil {
		t.Errorf("Expected no result, got %+v", result)
	}
	if len(f.log.calls) != 1 || f.log.calls[0] != "approve" {
		t.Errorf("buyProduct must not be sent after failed approve, calls: %v", f.log.calls)
	}
}

func TestBuyProductBuyFailsAfterApprove(t *testing.T) {
	f := newFixture()
	f.marketplace.buyErr = errors.New("transaction reverted")

	result, err := f.uc.BuyProduct(context.Background(), 1, "")
	if err == nil {
		t.Fatal("Expected error")
	}
	if result == nil || result.Status != model.PurchaseApproved || result.ApproveTxHash == "" {
		t.Errorf("Expected approved partial result, got %+v", result)
	}
	for _, c := range f.log.calls {
		if c == "refresh" {
			t.Error("Catalog should not refresh after failed purchase")
		}
	}
}

func TestBuyProductConcurrentSameProduct(t *testing.T) {
	f := newFixture()
	f.catalog.soldOnRefresh = func() []uint64 { return f.marketplace.bought }

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.token.onApprove = func() {
		once.Do(func() {
			close(started)
			<-release
		})
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = f.uc.BuyProduct(context.Background(), 1, "1.5")
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = f.uc.BuyProduct(context.Background(), 1, "1.5")
	}()
	// 2件目が商品を確認する時間を与える
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if errs[0] != nil {
		t.Fatalf("First purchase failed: %v", errs[0])
	}
	if !errors.Is(errs[1], model.ErrProductSold) {
		t.Errorf("Expected second purchase to be rejected as sold, got %v", errs[1])
	}

	approves := 0
	for _, c := range f.log.calls {
		if c == "approve" {
			approves++
		}
	}
	if approves != 1 || len(f.marketplace.bought) != 1 {
		t.Errorf("Expected one approve and one buy, got calls %v", f.log.calls)
	}
}

func TestBuyProductSurvivesCancelDuringApprove(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.token.onApprove = cancel

	result, err := f.uc.BuyProduct(ctx, 1, "")
	if err != nil {
		t.Fatalf("Purchase should continue after the request is gone: %v", err)
	}
	if result.Status != model.PurchaseCompleted || result.ApproveTxHash == "" || result.BuyTxHash == "" {
		t.Errorf("Unexpected result: %+v", result)
	}
	if f.catalog.refreshCtx != nil {
		t.Errorf("Refresh should run on a live context, got %v", f.catalog.refreshCtx)
	}
}

func TestBuyProductSurvivesCancelDuringBuy(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.marketplace.onBuy = cancel

	result, err := f.uc.BuyProduct(ctx, 1, "")
	if err != nil {
		t.Fatalf("Purchase should continue after the request is gone: %v", err)
	}
	if result.Status != model.PurchaseCompleted {
		t.Errorf("Expected COMPLETED, got %s", result.Status)
	}
	if f.log.calls[len(f.log.calls)-1] != "refresh" {
		t.Errorf("Expected refresh after purchase, calls: %v", f.log.calls)
	}
}

func TestBuyProductCanceledBeforeSending(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.uc.BuyProduct(ctx, 1, ""); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if len(f.log.calls) != 0 {
		t.Errorf("Nothing should be sent, calls: %v", f.log.calls)
	}
}

func TestBuyProductApproveNotConfirmed(t *testing.T) {
	f := newFixture()
	f.token.approveErr = &contract.TxError{Hash: common.HexToHash("0xa1"), Err: contract.ErrTxNotMined}

	result, err := f.uc.BuyProduct(context.Background(), 1, "")
	if !errors.Is(err, contract.ErrTxNotMined) {
		t.Fatalf("Expected ErrTxNotMined, got %v", err)
	}
	if result == nil || result.Status != model.PurchasePending || result.ApproveTxHash != common.HexToHash("0xa1").Hex() {
		t.Errorf("Expected pending result with approve hash, got %+v", result)
	}
	if len(f.log.calls) != 1 {
		t.Errorf("buyProduct must not be sent before approve is mined, calls: %v", f.log.calls)
	}
}

func TestBuyProductBuyNotConfirmed(t *testing.T) {
	f := newFixture()
	f.marketplace.buyErr = &contract.TxError{Hash: common.HexToHash("0xb2"), Err: contract.ErrTxNotMined}

	result, err := f.uc.BuyProduct(context.Background(), 1, "")
	if err == nil {
		t.Fatal("Expected error")
	}
	if result.Status != model.PurchasePending || result.BuyTxHash != common.HexToHash("0xb2").Hex() {
		t.Errorf("Expected pending result with buy hash, got %+v", result)
	}
	if f.log.calls[len(f.log.calls)-1] != "refresh" {
		t.Errorf("Expected refresh after unconfirmed buy, calls: %v", f.log.calls)
	}
}

func TestBuyProductRefreshFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	f.catalog.refreshErr = model.ErrFetchFailed

	result, err := f.uc.BuyProduct(context.Background(), 0, "3")
	if err != nil {
		t.Fatalf("Refresh failure should not fail the purchase: %v", err)
	}
	if result.Status != model.PurchaseCompleted {
		t.Errorf("Expected COMPLETED, got %s", result.Status)
	}
}

func TestAccount(t *testing.T) {
	f := newFixture()
	summary, err := f.uc.Account(context.Background())
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if summary.Address != buyer.Hex() || summary.Symbol != "cUSD" {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if summary.Balance != "12.345" {
		t.Errorf("Expected balance 12.345, got %s", summary.Balance)
	}
	if summary.Allowance != "0.5" {
		t.Errorf("Expected allowance 0.5, got %s", summary.Allowance)
	}
}

func TestPurchasesFormatsValues(t *testing.T) {
	f := newFixture()
	f.token.transfers = []*model.TokenTransfer{
		{TxHash: "0x01", From: buyer.Hex(), ValueWei: "2500000000000000000"},
	}

	transfers, err := f.uc.Purchases(context.Background())
	if err != nil {
		t.Fatalf("Purchases failed: %v", err)
	}
	if len(transfers) != 1 || transfers[0].Value != "2.5" {
		t.Errorf("Expected value 2.5, got %+v", transfers)
	}
}
