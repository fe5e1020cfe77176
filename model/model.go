package model

import (
	"math/big"
	"time"
)

// Product はマーケットプレイスコントラクトから取得した商品情報
type Product struct {
	ID          uint64   `json:"id"`
	Owner       string   `json:"owner"`
	Name        string   `json:"name"`
	Image       string   `json:"image"`
	Description string   `json:"description"`
	PriceWei    *big.Int `json:"-"`     // 支払いトークンの最小単位
	Price       string   `json:"price"` // 表示用の10進数表記
	Sold        bool     `json:"sold"`
}

// Catalog は最後に成功した取得結果のスナップショット
type Catalog struct {
	Products  []*Product `json:"products"`
	FetchedAt time.Time  `json:"fetched_at"`
	Skipped   int        `json:"skipped"` // 詳細取得に失敗した商品数
}

// PurchaseStatus は購入処理の状態
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "PENDING"   // 送信済みだが確認できていない
	PurchaseApproved  PurchaseStatus = "APPROVED"  // approveのみ完了
	PurchaseCompleted PurchaseStatus = "COMPLETED" // 購入完了
)

// PurchaseOutcome は購入フォームの結果を一覧ページに伝えるコード
type PurchaseOutcome string

const (
	OutcomeSuccess      PurchaseOutcome = "success"
	OutcomePending      PurchaseOutcome = "pending"
	OutcomeSold         PurchaseOutcome = "sold"
	OutcomeNotFound     PurchaseOutcome = "not_found"
	OutcomePriceChanged PurchaseOutcome = "price_changed"
	OutcomeNoWallet     PurchaseOutcome = "no_wallet"
	OutcomeFailed       PurchaseOutcome = "failed"
)

// PurchaseResult は approve -> buyProduct の結果
type PurchaseResult struct {
	ProductID     uint64         `json:"product_id"`
	ProductName   string         `json:"product_name"`
	Buyer         string         `json:"buyer"`
	AmountWei     string         `json:"amount_wei"`
	Amount        string         `json:"amount"`
	ApproveTxHash string         `json:"approve_tx_hash"`
	BuyTxHash     string         `json:"buy_tx_hash,omitempty"`
	Status        PurchaseStatus `json:"status"`
	CompletedAt   time.Time      `json:"completed_at"`
}

// AccountSummary は接続中ウォレットの残高情報
type AccountSummary struct {
	Address   string `json:"address"`
	Symbol    string `json:"symbol"`
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"` // マーケットプレイスへの承認済み額
}

// TokenTransfer は支払いトークンのTransferイベント
type TokenTransfer struct {
	TxHash   string `json:"tx_hash"`
	BlockNo  uint64 `json:"block_number"`
	From     string `json:"from"`
	To       string `json:"to"`
	ValueWei string `json:"value_wei"`
	Value    string `json:"value"`
}

// TxVerification はトランザクション検証結果
type TxVerification struct {
	TxHash         string `json:"tx_hash"`
	Status         string `json:"status"` // "pending", "success", "failed"
	BlockNumber    uint64 `json:"block_number,omitempty"`
	GasUsed        uint64 `json:"gas_used,omitempty"`
	Success        bool   `json:"success"`
	IsContractCall bool   `json:"is_contract_call"`
}

// TokenInfo は支払いトークンの表示情報
type TokenInfo struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}
