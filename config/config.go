package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidFormat = errors.New("invalid config format")
	ErrInvalidConfig = errors.New("invalid config")
)

// Config はアプリ全体の設定
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Chain   ChainConfig   `yaml:"chain"`
	Wallet  WalletConfig  `yaml:"wallet"`
	Tx      TxConfig      `yaml:"tx"`
	Catalog CatalogConfig `yaml:"catalog"`
	App     AppConfig     `yaml:"app"`
}

// ServerConfig はHTTPサーバーの設定
// 鍵で署名するため、既定ではループバックのみで待ち受け、他オリジンからの購入を受け付けない。
// AllowedOrigins はCORSと購入リクエストで信頼するオリジン (例: http://localhost:3000)。
// APIToken が設定されていれば、状態を変えるAPIに Bearer トークンを要求する
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	APIToken        string        `yaml:"api_token"`
}

// ChainConfig はノードとコントラクトの設定
type ChainConfig struct {
	RPCURL             string `yaml:"rpc_url"`
	ChainID            int64  `yaml:"chain_id"` // 0 の場合はノードに問い合わせる
	MarketplaceAddress string `yaml:"marketplace_address"`
	TokenAddress       string `yaml:"token_address"`
	TokenDecimals      uint8  `yaml:"token_decimals"`
	TokenSymbol        string `yaml:"token_symbol"`
}

// WalletConfig は署名に使う鍵の設定。PrivateKey か KeystorePath のどちらか
type WalletConfig struct {
	PrivateKey       string `yaml:"private_key"`
	KeystorePath     string `yaml:"keystore_path"`
	KeystorePassword string `yaml:"keystore_password"`
}

type TxConfig struct {
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
	ReceiptTimeout      time.Duration `yaml:"receipt_timeout"`
	GasHeadroomPercent  uint64        `yaml:"gas_headroom_percent"`
}

type CatalogConfig struct {
	RefreshCron    string        `yaml:"refresh_cron"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
	FanoutLimit    int           `yaml:"fanout_limit"`
	RPCRateLimit   float64       `yaml:"rpc_rate_limit"` // 1秒あたりの呼び出し数。0 は無制限
	HistoryBlocks  uint64        `yaml:"history_blocks"`
}

type AppConfig struct {
	Development bool   `yaml:"development"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
}

// Default は Celo Alfajores 上のデモ用マーケットプレイスを前提とした既定値
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            "8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:             "https://alfajores-forno.celo-testnet.org",
			ChainID:            44787,
			MarketplaceAddress: "0x178134c92EC973F34dD0dd762284b852B211CFC8",
			TokenAddress:       "0x874069Fa1Eb16D44d622F2e0Ca25eeA172369bC1",
			TokenDecimals:      18,
			TokenSymbol:        "cUSD",
		},
		Tx: TxConfig{
			ReceiptPollInterval: 2 * time.Second,
			ReceiptTimeout:      2 * time.Minute,
			GasHeadroomPercent:  20,
		},
		Catalog: CatalogConfig{
			RefreshCron:    "@every 1m",
			RefreshTimeout: 30 * time.Second,
			FanoutLimit:    8,
			RPCRateLimit:   20,
			HistoryBlocks:  10000,
		},
		App: AppConfig{
			Development: true,
			LogLevel:    "info",
		},
	}
}

// Load は既定値 -> YAMLファイル -> .env -> 環境変数 の順で設定を読み込む
// path が空、またはファイルが存在しない場合はファイルを読まない
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: YAML parsing failed: %v", ErrInvalidFormat, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// .env は任意。既に設定済みの環境変数は上書きしない
	_ = godotenv.Load()

	if err := mergeEnvVars(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeEnvVars(cfg *Config) error {
	stringVars := map[string]*string{
		"SERVER_HOST":                  &cfg.Server.Host,
		"PORT":                         &cfg.Server.Port,
		"API_TOKEN":                    &cfg.Server.APIToken,
		"CHAIN_RPC_URL":                &cfg.Chain.RPCURL,
		"MARKETPLACE_CONTRACT_ADDRESS": &cfg.Chain.MarketplaceAddress,
		"TOKEN_CONTRACT_ADDRESS":       &cfg.Chain.TokenAddress,
		"TOKEN_SYMBOL":                 &cfg.Chain.TokenSymbol,
		"WALLET_PRIVATE_KEY":           &cfg.Wallet.PrivateKey,
		"WALLET_KEYSTORE_PATH":         &cfg.Wallet.KeystorePath,
		"WALLET_KEYSTORE_PASSWORD":     &cfg.Wallet.KeystorePassword,
		"CATALOG_REFRESH_CRON":         &cfg.Catalog.RefreshCron,
		"LOG_LEVEL":                    &cfg.App.LogLevel,
		"LOG_FILE":                     &cfg.App.LogFile,
	}
	for key, ptr := range stringVars {
		if v := os.Getenv(key); v != "" {
			*ptr = v
		}
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
			}
		}
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: CHAIN_ID: %v", ErrInvalidConfig, err)
		}
		cfg.Chain.ChainID = id
	}
	if v := os.Getenv("TOKEN_DECIMALS"); v != "" {
		d, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("%w: TOKEN_DECIMALS: %v", ErrInvalidConfig, err)
		}
		cfg.Chain.TokenDecimals = uint8(d)
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Development = v != "production"
	}
	return nil
}

// Validate は必須項目とアドレス形式を検証する
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("%w: server port is required", ErrInvalidConfig)
	}
	for _, o := range c.Server.AllowedOrigins {
		if o == "*" {
			return fmt.Errorf("%w: wildcard origin is not allowed", ErrInvalidConfig)
		}
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return fmt.Errorf("%w: invalid allowed origin %q", ErrInvalidConfig, o)
		}
	}
	u, err := url.Parse(c.Chain.RPCURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: invalid rpc url %q", ErrInvalidConfig, c.Chain.RPCURL)
	}
	if !common.IsHexAddress(c.Chain.MarketplaceAddress) {
		return fmt.Errorf("%w: invalid marketplace address %q", ErrInvalidConfig, c.Chain.MarketplaceAddress)
	}
	if !common.IsHexAddress(c.Chain.TokenAddress) {
		return fmt.Errorf("%w: invalid token address %q", ErrInvalidConfig, c.Chain.TokenAddress)
	}
	if c.Wallet.PrivateKey != "" && c.Wallet.KeystorePath != "" {
		return fmt.Errorf("%w: set either private_key or keystore_path, not both", ErrInvalidConfig)
	}
	if c.Tx.ReceiptPollInterval <= 0 || c.Tx.ReceiptTimeout <= 0 {
		return fmt.Errorf("%w: receipt poll interval and timeout must be positive", ErrInvalidConfig)
	}
	if c.Catalog.RefreshTimeout <= 0 {
		return fmt.Errorf("%w: refresh_timeout must be positive", ErrInvalidConfig)
	}
	if c.Catalog.FanoutLimit <= 0 {
		return fmt.Errorf("%w: fanout_limit must be positive", ErrInvalidConfig)
	}
	return nil
}

// Addr はサーバーの待ち受けアドレス
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, c.Server.Port)
}

// HasWallet は署名用の鍵が設定されているか
func (c *Config) HasWallet() bool {
	return c.Wallet.PrivateKey != "" || c.Wallet.KeystorePath != ""
}
