package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"onchain-marketplace-front/logger"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDHeader はリクエストIDを受け渡すヘッダー
const RequestIDHeader = "X-Request-ID"

// RequestID はリクエストIDが無ければ生成し、コンテキストとレスポンスヘッダーに設定する
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID)))
	})
}

// RequestIDFrom はコンテキストからリクエストIDを取り出す
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// AccessLog はステータスコードに応じたレベルでリクエストを記録する
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if r.URL.Path == "/health" {
			return
		}
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		fields := []zap.Field{
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("ip", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(start)),
			zap.Int("response_size", rec.size),
		}

		switch {
		case rec.status >= 500:
			logger.Error("Internal server error", fields...)
		case rec.status >= 400:
			logger.Warn("Client request error", fields...)
		default:
			logger.Debug("HTTP request completed", fields...)
		}
	})
}

// CrossOriginGuard は他サイトから送られた状態変更リクエスト (POST など) を 403 で拒否する
// Sec-Fetch-Site と Origin を見るため、ブラウザ以外のクライアントはそのまま通る
func CrossOriginGuard(trustedOrigins []string) (func(http.Handler) http.Handler, error) {
	protection := http.NewCrossOriginProtection()
	for _, origin := range trustedOrigins {
		if err := protection.AddTrustedOrigin(origin); err != nil {
			return nil, fmt.Errorf("invalid trusted origin %q: %w", origin, err)
		}
	}
	protection.SetDenyHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Warn("Cross-origin request rejected",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("origin", r.Header.Get("Origin")),
			zap.String("sec_fetch_site", r.Header.Get("Sec-Fetch-Site")))
		http.Error(w, "cross-origin request rejected", http.StatusForbidden)
	}))
	return protection.Handler, nil
}

// BearerToken は状態を変えるリクエストに Authorization: Bearer <token> を要求する
// token が空なら何もしない
func BearerToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
