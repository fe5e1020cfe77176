package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"onchain-marketplace-front/logger"
)

// Refresher は商品一覧を定期的に取得し直す
type Refresher struct {
	cron    *cron.Cron
	uc      ContractUsecase
	timeout time.Duration
}

// NewRefresher は cron 式 (例: "@every 1m") で動くリフレッシャーを作成
func NewRefresher(uc ContractUsecase, schedule string, timeout time.Duration) (*Refresher, error) {
	r := &Refresher{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		uc:      uc,
		timeout: timeout,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Refresher) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := r.uc.RefreshProducts(ctx); err != nil {
		logger.Warn("Scheduled product refresh failed", zap.Error(err))
	}
}

func (r *Refresher) Start() {
	r.cron.Start()
	logger.Info("Product refresher started")
}

// Stop は実行中の取得が終わるか ctx が終わるまで待つ
func (r *Refresher) Stop(ctx context.Context) {
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
		logger.Warn("Product refresher stop timed out")
	}
}
