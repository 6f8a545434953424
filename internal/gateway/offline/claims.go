package offline

import (
	"context"

	"go.uber.org/zap"

	"github.com/Johnson1425-ux/segese-backend/internal/gateway"
)

type claimSubmitter struct {
	log *zap.Logger
}

// NewClaimSubmitter returns a submitter that records the claim in the log
// only, for deployments without a clearinghouse connection.
func NewClaimSubmitter(log *zap.Logger) gateway.ClaimSubmitter {
	return &claimSubmitter{log: log.Named("gateway.offline.claims")}
}

func (s *claimSubmitter) SubmitClaim(ctx context.Context, claim gateway.ClaimSubmission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("claim recorded for manual submission",
		zap.String("invoice_id", claim.InvoiceID.String()),
		zap.String("provider", claim.ProviderName),
		zap.String("claim_number", claim.ClaimNumber),
		zap.Int64("amount", claim.Amount),
	)
	return nil
}
