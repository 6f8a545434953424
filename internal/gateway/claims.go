package gateway

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// ClaimSubmission is the payload forwarded to a provider claim network.
type ClaimSubmission struct {
	InvoiceID    snowflake.ID
	PatientID    snowflake.ID
	ProviderName string
	ClaimNumber  string
	PolicyNumber string
	Amount       int64
}

// ClaimSubmitter delivers electronic claims to providers that accept them.
// Submission is fire-and-forget: a failure is logged, never rolled back into
// the invoice.
type ClaimSubmitter interface {
	SubmitClaim(ctx context.Context, claim ClaimSubmission) error
}
