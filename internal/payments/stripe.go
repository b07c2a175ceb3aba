package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Deposits is the payments collaborator consumed by the lifecycle manager:
// hold a deposit at scheduling, capture at completion, release at
// cancel/no-show. All three are optional side effects and never block a
// state transition.
type Deposits interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Release(ctx context.Context, holdID string) error
}

// StripeDeposits implements Deposits via manual-capture PaymentIntents.
type StripeDeposits struct{}

// NewStripeDeposits initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeDeposits() *StripeDeposits {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeDeposits{}
}

func (s *StripeDeposits) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeDeposits) Capture(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}

func (s *StripeDeposits) Release(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}
