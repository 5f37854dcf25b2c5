package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/dealbroker/internal/money"
)

// StripeGateway holds funds with manual-capture PaymentIntents.
// Hold creates the intent; the payer's client confirms it with the client
// secret. Settle captures it and Void cancels it.
type StripeGateway struct {
	api      *client.API
	currency string
}

// NewStripeGateway creates a gateway using secretKey. backends may be nil.
func NewStripeGateway(secretKey, currency string, backends *stripe.Backends) *StripeGateway {
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeGateway{
		api:      client.New(secretKey, backends),
		currency: strings.ToLower(currency),
	}
}

func (g *StripeGateway) Hold(ctx context.Context, req HoldRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(money.MinorUnits(req.Amount)),
		Currency:      stripe.String(g.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Description:   stripe.String(req.Description),
	}
	params.Context = ctx
	params.AddMetadata("escrow_id", req.Reference)
	params.AddMetadata("payer_id", req.PayerID)
	params.AddMetadata("payee_id", req.PayeeID)
	params.SetIdempotencyKey("hold-" + req.Reference)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create payment intent: %w", err)
	}
	return pi.ID, nil
}

func (g *StripeGateway) Settle(ctx context.Context, ref string, amount decimal.Decimal) error {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(money.MinorUnits(amount)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("settle-" + ref)

	if _, err := g.api.PaymentIntents.Capture(ref, params); err != nil {
		return fmt.Errorf("stripe capture %s: %w", ref, err)
	}
	return nil
}

func (g *StripeGateway) Void(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("void-" + ref)

	if _, err := g.api.PaymentIntents.Cancel(ref, params); err != nil {
		return fmt.Errorf("stripe cancel %s: %w", ref, err)
	}
	return nil
}

var _ Gateway = (*StripeGateway)(nil)
var _ Gateway = (*Nop)(nil)
