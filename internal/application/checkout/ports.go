package checkout

import (
	"context"

	"github.com/Zhima-Mochi/farmmarket/internal/application"
	"github.com/Zhima-Mochi/farmmarket/internal/application/settlement"
	domcheckout "github.com/Zhima-Mochi/farmmarket/internal/domain/checkout"
)

type PriceResolver interface {
	Resolve(ctx context.Context, farmID int64, cart []domcheckout.CartItem) (*domcheckout.Quote, error)
}

type SettlementRecorder interface {
	Settle(ctx context.Context, in settlement.SettleInput) (*settlement.SettleResult, error)
}

var (
	_ application.UseCase[CreateOrderInput, *CreateOrderResult]   = (*CreateOrderUseCase)(nil)
	_ application.UseCase[CaptureOrderInput, *CaptureOrderResult] = (*CaptureOrderUseCase)(nil)
)
