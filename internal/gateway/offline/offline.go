// Package offline provides standalone-mode payment adapters used when no
// external processor is configured. Charges are approved locally and tagged
// with an offline transaction id so they remain traceable.
package offline

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/Johnson1425-ux/segese-backend/internal/gateway"
)

type adapter struct {
	method string
	log    *zap.Logger
}

// NewCard returns the offline card-terminal adapter.
func NewCard(log *zap.Logger) gateway.Adapter {
	return &adapter{method: "card", log: log.Named("gateway.offline.card")}
}

// NewOnline returns the offline web-payment adapter.
func NewOnline(log *zap.Logger) gateway.Adapter {
	return &adapter{method: "online", log: log.Named("gateway.offline.online")}
}

func (a *adapter) Method() string { return a.method }

func (a *adapter) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return gateway.ChargeResult{}, err
	}
	txID := fmt.Sprintf("offline-%s", ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader))
	a.log.Info("offline charge approved",
		zap.String("invoice_id", req.InvoiceID.String()),
		zap.Int64("amount", req.Amount),
		zap.String("transaction_id", txID),
	)
	return gateway.ChargeResult{Success: true, TransactionID: txID}, nil
}

func (a *adapter) Refund(ctx context.Context, transactionID string, amount int64) (gateway.RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return gateway.RefundResult{}, err
	}
	refundID := fmt.Sprintf("offline-refund-%s", ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader))
	a.log.Info("offline refund approved",
		zap.String("transaction_id", transactionID),
		zap.Int64("amount", amount),
		zap.String("refund_transaction_id", refundID),
	)
	return gateway.RefundResult{Success: true, RefundTransactionID: refundID}, nil
}
