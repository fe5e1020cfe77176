package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"onchain-marketplace-front/gateway/contract"
	"onchain-marketplace-front/logger"
	"onchain-marketplace-front/model"
	"onchain-marketplace-front/usecase/contract"
)

// AccountReader はページに表示するアカウント情報の取得元
type AccountReader interface {
	Account(ctx context.Context) (*model.AccountSummary, error)
}

type ContractHandler struct {
	contractUC usecase.ContractUsecase
	accounts   AccountReader
}

// NewContractHandler は accounts が nil の場合アカウント情報を表示しない
func NewContractHandler(uc usecase.ContractUsecase, accounts AccountReader) *ContractHandler {
	return &ContractHandler{contractUC: uc, accounts: accounts}
}

// HandleIndex は商品一覧をHTMLで描画する
func (h *ContractHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	catalog := h.contractUC.Products()

	data := pageData{
		Symbol:      h.contractUC.Token().Symbol,
		Marketplace: h.contractUC.MarketplaceAddress(),
		Catalog: catalogView{
			Products: make([]productView, 0, len(catalog.Products)),
			Skipped:  catalog.Skipped,
		},
	}
	if !catalog.FetchedAt.IsZero() {
		data.Catalog.FetchedAt = catalog.FetchedAt.Format(time.RFC3339)
	}
	for _, p := range catalog.Products {
		data.Catalog.Products = append(data.Catalog.Products, productView{
			ID:          p.ID,
			Name:        p.Name,
			Image:       p.Image,
			Description: p.Description,
			Price:       p.Price,
			Sold:        p.Sold,
		})
	}

	data.Notice, data.Error = h.purchaseMessage(r.URL.Query())

	if h.accounts != nil {
		if account, err := h.accounts.Account(r.Context()); err == nil {
			data.Account = &accountView{Address: account.Address, Balance: account.Balance}
		} else if !errors.Is(err, model.ErrNoWallet) {
			logger.Warn("Failed to load account for page", zap.Error(err))
		}
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		logger.Error("Failed to render page", zap.Error(err))
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// purchaseMessages は購入結果コードごとの表示文。%s は商品名
var purchaseMessages = map[model.PurchaseOutcome]struct {
	text  string
	isErr bool
}{
	model.OutcomeSuccess:      {"Successfully bought product %s.", false},
	model.OutcomePending:      {"Purchase of %s was sent but is not confirmed yet.", false},
	model.OutcomeSold:         {"Failed to buy product %s: it is already sold.", true},
	model.OutcomeNotFound:     {"Failed to buy product %s: it is no longer listed.", true},
	model.OutcomePriceChanged: {"Failed to buy product %s: the price has changed.", true},
	model.OutcomeNoWallet:     {"Failed to buy product %s: no wallet connected.", true},
	model.OutcomeFailed:       {"Failed to buy product %s.", true},
}

// purchaseMessage は購入結果コードを表示文にする。未知のコードは無視する
func (h *ContractHandler) purchaseMessage(q url.Values) (notice, errMsg string) {
	msg, ok := purchaseMessages[model.PurchaseOutcome(q.Get("purchase"))]
	if !ok {
		return "", ""
	}

	name := "#" + q.Get("product")
	if id, err := strconv.ParseUint(q.Get("product"), 10, 64); err != nil {
		name = "#?"
	} else if p, found := h.contractUC.FindProduct(id); found {
		name = p.Name
	}

	text := fmt.Sprintf(msg.text, name)
	if msg.isErr {
		return "", text
	}
	return text, ""
}

// HandleListProducts は最後に取得した商品一覧を返す
func (h *ContractHandler) HandleListProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.contractUC.Products())
}

// HandleRefreshProducts は商品一覧を取得し直す
func (h *ContractHandler) HandleRefreshProducts(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.contractUC.RefreshProducts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, catalog)
}

// HandleGetProduct はコントラクトから商品情報を取得
func (h *ContractHandler) HandleGetProduct(w http.ResponseWriter, r *http.Request) {
	productId, err := strconv.ParseUint(mux.Vars(r)["productId"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid product ID", http.StatusBadRequest)
		return
	}

	product, err := h.contractUC.GetProduct(r.Context(), productId)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrProductNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	// PriceWeiはstring形式でレスポンス
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          product.ID,
		"owner":       product.Owner,
		"name":        product.Name,
		"image":       product.Image,
		"description": product.Description,
		"price":       product.Price,
		"price_wei":   product.PriceWei.String(),
		"sold":        product.Sold,
	})
}

// productRow はCSV出力の1行
type productRow struct {
	ID          uint64 `csv:"id"`
	Owner       string `csv:"owner"`
	Name        string `csv:"name"`
	Image       string `csv:"image"`
	Description string `csv:"description"`
	Price       string `csv:"price"`
	PriceWei    string `csv:"price_wei"`
	Sold        bool   `csv:"sold"`
}

// HandleExportCSV は商品一覧をCSVで返す
func (h *ContractHandler) HandleExportCSV(w http.ResponseWriter, r *http.Request) {
	catalog := h.contractUC.Products()
	rows := make([]*productRow, 0, len(catalog.Products))
	for _, p := range catalog.Products {
		rows = append(rows, &productRow{
			ID:          p.ID,
			Owner:       p.Owner,
			Name:        p.Name,
			Image:       p.Image,
			Description: p.Description,
			Price:       p.Price,
			PriceWei:    p.PriceWei.String(),
			Sold:        p.Sold,
		})
	}

	out, err := gocsv.MarshalBytes(&rows)
	if err != nil {
		logger.Error("Failed to export products", zap.Error(err))
		http.Error(w, "failed to export products", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="products.csv"`)
	w.Write(out)
}

// VerifyTxRequest はトランザクション検証リクエスト
type VerifyTxRequest struct {
	TxHash string `json:"tx_hash"`
}

// HandleVerifyTransaction はトランザクションを検証
func (h *ContractHandler) HandleVerifyTransaction(w http.ResponseWriter, r *http.Request) {
	var req VerifyTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.TxHash == "" {
		http.Error(w, "tx_hash is required", http.StatusBadRequest)
		return
	}

	verification, err := h.contractUC.VerifyTransaction(r.Context(), req.TxHash)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, contract.ErrInvalidHash) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, verification)
}

// HandleContractInfo はコントラクト情報を返す
func (h *ContractHandler) HandleContractInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"marketplace": h.contractUC.MarketplaceAddress(),
		"token":       h.contractUC.Token(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response", zap.Error(err))
	}
}
