package main

import (
	"context"
	"errors"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"onchain-marketplace-front/config"
	contractGateway "onchain-marketplace-front/gateway/contract"
	paymentGateway "onchain-marketplace-front/gateway/payment"
	"onchain-marketplace-front/gateway/wallet"
	contractHandler "onchain-marketplace-front/handler/contract"
	paymentHandler "onchain-marketplace-front/handler/payment"
	"onchain-marketplace-front/logger"
	"onchain-marketplace-front/middleware"
	"onchain-marketplace-front/model"
	contractUsecase "onchain-marketplace-front/usecase/contract"
	paymentUsecase "onchain-marketplace-front/usecase/payment"
)

func main() {
	// --- 1. 初期設定 ---
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		// ロガー初期化前なので標準エラーに出す
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := logger.Init(cfg.App.Development, cfg.App.LogFile, cfg.App.LogLevel); err != nil {
		os.Stderr.WriteString("failed to init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 2. ethclientの初期化 ---
	client, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		logger.Fatal("Failed to connect to chain", zap.String("rpc_url", cfg.Chain.RPCURL), zap.Error(err))
	}
	defer client.Close()

	chainID := big.NewInt(cfg.Chain.ChainID)
	if cfg.Chain.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			logger.Fatal("Failed to query chain ID", zap.Error(err))
		}
	}
	logger.Info("Connected to chain", zap.String("rpc_url", cfg.Chain.RPCURL), zap.String("chain_id", chainID.String()))

	// --- 3. ウォレット ---
	// 鍵が無ければ読み取り専用で起動する
	var w wallet.Wallet
	switch {
	case !cfg.HasWallet():
		logger.Warn("No wallet configured. Running in read-only mode.")
	case cfg.Wallet.PrivateKey != "":
		w = wallet.NewPrivateKeyWallet(cfg.Wallet.PrivateKey)
	default:
		w = wallet.NewKeystoreWallet(cfg.Wallet.KeystorePath, cfg.Wallet.KeystorePassword)
	}

	// --- 4. Gatewayの初期化 ---
	transactor := contractGateway.NewTransactor(client, w, chainID, contractGateway.TxOptions{
		PollInterval:       cfg.Tx.ReceiptPollInterval,
		Timeout:            cfg.Tx.ReceiptTimeout,
		GasHeadroomPercent: cfg.Tx.GasHeadroomPercent,
	})

	marketGW, err := contractGateway.NewMarketplaceContractGateway(client, transactor, cfg.Chain.MarketplaceAddress)
	if err != nil {
		logger.Fatal("Failed to initialize marketplace gateway", zap.Error(err))
	}
	tokenGW, err := paymentGateway.NewERC20Gateway(client, transactor, cfg.Chain.TokenAddress)
	if err != nil {
		logger.Fatal("Failed to initialize token gateway", zap.Error(err))
	}

	tokenInfo := resolveToken(ctx, tokenGW, cfg)
	logger.Info("Contracts loaded",
		zap.String("marketplace", marketGW.GetContractAddress().Hex()),
		zap.String("token", tokenInfo.Address),
		zap.String("symbol", tokenInfo.Symbol),
		zap.Uint8("decimals", tokenInfo.Decimals),
	)

	// --- 5. Usecaseの依存性注入 ---
	contractUC := contractUsecase.NewContractUsecase(marketGW, tokenInfo, contractUsecase.Options{
		FanoutLimit:  cfg.Catalog.FanoutLimit,
		RPCRateLimit: cfg.Catalog.RPCRateLimit,
	})

	paymentUC := paymentUsecase.NewPaymentUsecase(w, tokenGW, marketGW, contractUC, tokenInfo, paymentUsecase.Options{
		HistoryBlocks: cfg.Catalog.HistoryBlocks,
		// approve と buyProduct の2回分
		TxTimeout: 2 * cfg.Tx.ReceiptTimeout,
	})

	if err := paymentUC.EnableWallet(ctx); err != nil {
		if errors.Is(err, model.ErrNoWallet) {
			logger.Info("Purchases disabled without a wallet")
		} else {
			logger.Fatal("Failed to enable wallet", zap.Error(err))
		}
	} else if account, err := paymentUC.Account(ctx); err == nil {
		logger.Info("Wallet enabled", zap.String("account", account.Address), zap.String("balance", account.Balance+" "+account.Symbol))
	}

	// 起動時に一度取得する。失敗しても定期取得で回復する
	if catalog, err := contractUC.RefreshProducts(ctx); err != nil {
		logger.Warn("Initial product fetch failed", zap.Error(err))
	} else {
		logger.Info("Products loaded", zap.Int("count", len(catalog.Products)), zap.Int("skipped", catalog.Skipped))
	}

	refresher, err := contractUsecase.NewRefresher(contractUC, cfg.Catalog.RefreshCron, cfg.Catalog.RefreshTimeout)
	if err != nil {
		logger.Fatal("Failed to create product refresher", zap.Error(err))
	}
	refresher.Start()

	// --- 6. ルーティングの設定 ---
	contractHdlr := contractHandler.NewContractHandler(contractUC, paymentUC)
	paymentHdlr := paymentHandler.NewPaymentHandler(paymentUC)

	// 他サイトからのフォーム送信で鍵が使われないよう、状態を変えるリクエストはオリジンを確認する
	crossOriginGuard, err := middleware.CrossOriginGuard(cfg.Server.AllowedOrigins)
	if err != nil {
		logger.Fatal("Invalid trusted origin", zap.Error(err))
	}

	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.AccessLog, crossOriginGuard)

	// 商品一覧ページ
	router.HandleFunc("/", contractHdlr.HandleIndex).Methods("GET")
	router.HandleFunc("/products/{productId:[0-9]+}/buy", paymentHdlr.HandleBuyForm).Methods("POST")

	// ヘルスチェック用エンドポイント
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// Product API
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.BearerToken(cfg.Server.APIToken))
	api.HandleFunc("/products", contractHdlr.HandleListProducts).Methods("GET")
	api.HandleFunc("/products.csv", contractHdlr.HandleExportCSV).Methods("GET")
	api.HandleFunc("/products/refresh", contractHdlr.HandleRefreshProducts).Methods("POST")
	api.HandleFunc("/products/{productId:[0-9]+}", contractHdlr.HandleGetProduct).Methods("GET")
	api.HandleFunc("/products/{productId:[0-9]+}/buy", paymentHdlr.HandleBuyProduct).Methods("POST")

	// Account API
	api.HandleFunc("/account", paymentHdlr.HandleAccount).Methods("GET")
	api.HandleFunc("/account/purchases", paymentHdlr.HandlePurchases).Methods("GET")

	// Contract API
	api.HandleFunc("/contract/info", contractHdlr.HandleContractInfo).Methods("GET")
	api.HandleFunc("/tx/verify", contractHdlr.HandleVerifyTransaction).Methods("POST")

	// --- 7. CORSミドルウェアの設定 ---
	// 信頼するオリジンが無ければ同一オリジンのみ (rs/cors は空だと全許可になる)
	var handler http.Handler = router
	if len(cfg.Server.AllowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
			ExposedHeaders: []string{middleware.RequestIDHeader},
		})
		handler = c.Handler(router)
	}
	if ip := net.ParseIP(cfg.Server.Host); w != nil && cfg.Server.APIToken == "" && (ip == nil || !ip.IsLoopback()) {
		logger.Warn("API_TOKEN is not set. Purchase API accepts any same-origin or non-browser client.",
			zap.String("addr", cfg.Addr()))
	}

	// --- 8. サーバー起動 ---
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Marketplace server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("could not start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	refresher.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

// resolveToken はトークンの表示情報をチェーンから取得し、取れなければ設定値を使う
func resolveToken(ctx context.Context, token paymentGateway.TokenGateway, cfg *config.Config) model.TokenInfo {
	info := model.TokenInfo{
		Address:  token.GetContractAddress().Hex(),
		Symbol:   cfg.Chain.TokenSymbol,
		Decimals: cfg.Chain.TokenDecimals,
	}

	if decimals, err := token.Decimals(ctx); err == nil {
		info.Decimals = decimals
	} else {
		logger.Warn("Failed to read token decimals, using configured value", zap.Error(err))
	}
	if symbol, err := token.Symbol(ctx); err == nil && symbol != "" {
		info.Symbol = symbol
	} else if err != nil {
		logger.Warn("Failed to read token symbol, using configured value", zap.Error(err))
	}
	return info
}
