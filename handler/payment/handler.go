package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"onchain-marketplace-front/logger"
	"onchain-marketplace-front/model"
	"onchain-marketplace-front/usecase/payment"
)

type PaymentHandler struct {
	paymentUC usecase.PaymentUsecase
}

func NewPaymentHandler(uc usecase.PaymentUsecase) *PaymentHandler {
	return &PaymentHandler{paymentUC: uc}
}

// BuyRequest は購入APIの入力。Price は画面に表示されていた価格 (任意)
type BuyRequest struct {
	Price string `json:"price"`
}

// HandleBuyProduct は approve -> buyProduct を実行し、結果をJSONで返す
func (h *PaymentHandler) HandleBuyProduct(w http.ResponseWriter, r *http.Request) {
	productId, err := strconv.ParseUint(mux.Vars(r)["productId"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid product ID", http.StatusBadRequest)
		return
	}

	// ボディは任意
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Usecaseにビジネスロジックを委譲
	result, err := h.paymentUC.BuyProduct(r.Context(), productId, req.Price)
	if err != nil {
		if result != nil {
			// approve 済みで buyProduct が失敗した場合は途中結果も返す
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error":  err.Error(),
				"result": result,
			})
			return
		}
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleBuyForm は商品ページのBuyボタンから呼ばれ、結果コードを付けて一覧にリダイレクトする
func (h *PaymentHandler) HandleBuyForm(w http.ResponseWriter, r *http.Request) {
	productId, err := strconv.ParseUint(mux.Vars(r)["productId"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid product ID", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	result, err := h.paymentUC.BuyProduct(r.Context(), productId, r.PostForm.Get("price"))
	if err != nil {
		logger.Warn("Purchase from page failed", zap.Uint64("product_id", productId), zap.Error(err))
	}

	query := url.Values{}
	query.Set("purchase", string(outcomeFor(result, err)))
	query.Set("product", strconv.FormatUint(productId, 10))
	http.Redirect(w, r, "/?"+query.Encode(), http.StatusSeeOther)
}

func outcomeFor(result *model.PurchaseResult, err error) model.PurchaseOutcome {
	switch {
	case err == nil:
		return model.OutcomeSuccess
	case result != nil && result.Status == model.PurchasePending:
		return model.OutcomePending
	case errors.Is(err, model.ErrProductSold):
		return model.OutcomeSold
	case errors.Is(err, model.ErrProductNotFound):
		return model.OutcomeNotFound
	case errors.Is(err, model.ErrPriceChanged):
		return model.OutcomePriceChanged
	case errors.Is(err, model.ErrNoWallet):
		return model.OutcomeNoWallet
	default:
		return model.OutcomeFailed
	}
}

// HandleAccount は接続中アカウントの残高情報を返す
func (h *PaymentHandler) HandleAccount(w http.ResponseWriter, r *http.Request) {
	summary, err := h.paymentUC.Account(r.Context())
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandlePurchases は接続中アカウントの送金履歴を返す
func (h *PaymentHandler) HandlePurchases(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.paymentUC.Purchases(r.Context())
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transfers": transfers,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrProductSold), errors.Is(err, model.ErrPriceChanged):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNoWallet):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response", zap.Error(err))
	}
}
