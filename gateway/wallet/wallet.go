package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"onchain-marketplace-front/logger"
)

var (
	ErrWalletLocked = errors.New("wallet is not enabled")
	ErrNoAccounts   = errors.New("wallet has no accounts")
)

// Wallet はアカウントの解錠とトランザクション署名を提供するウォレット
type Wallet interface {
	// Enable はウォレットを解錠し、アカウントを利用可能にする
	Enable(ctx context.Context) error

	// Accounts は解錠済みのアカウント一覧を返す
	Accounts() []common.Address

	// DefaultAccount は送信元として使うアカウント (Accounts()[0])
	DefaultAccount() (common.Address, error)

	// SignTx はトランザクションに署名する
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// keySource は秘密鍵の取得方法
type keySource func() (*ecdsa.PrivateKey, error)

// LocalWallet はローカルの秘密鍵で署名するウォレット実装
type LocalWallet struct {
	source keySource

	mu      sync.RWMutex
	key     *ecdsa.PrivateKey
	account common.Address
}

// NewPrivateKeyWallet は16進数の秘密鍵からウォレットを作成
func NewPrivateKeyWallet(hexKey string) *LocalWallet {
	return &LocalWallet{
		source: func() (*ecdsa.PrivateKey, error) {
			key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
			if err != nil {
				return nil, fmt.Errorf("invalid private key: %w", err)
			}
			return key, nil
		},
	}
}

// NewKeystoreWallet は暗号化されたキーストアファイルからウォレットを作成
func NewKeystoreWallet(path, passphrase string) *LocalWallet {
	return &LocalWallet{
		source: func() (*ecdsa.PrivateKey, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read keystore: %w", err)
			}
			key, err := keystore.DecryptKey(data, passphrase)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt keystore: %w", err)
			}
			return key.PrivateKey, nil
		},
	}
}

func (w *LocalWallet) Enable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key, err := w.source()
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.key = key
	w.account = crypto.PubkeyToAddress(key.PublicKey)
	w.mu.Unlock()

	logger.Info("Wallet enabled", zap.String("account", w.account.Hex()))
	return nil
}

func (w *LocalWallet) Accounts() []common.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.key == nil {
		return nil
	}
	return []common.Address{w.account}
}

func (w *LocalWallet) DefaultAccount() (common.Address, error) {
	accounts := w.Accounts()
	if len(accounts) == 0 {
		if w.isLocked() {
			return common.Address{}, ErrWalletLocked
		}
		return common.Address{}, ErrNoAccounts
	}
	return accounts[0], nil
}

func (w *LocalWallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	w.mu.RLock()
	key := w.key
	w.mu.RUnlock()
	if key == nil {
		return nil, ErrWalletLocked
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
}

func (w *LocalWallet) isLocked() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.key == nil
}
