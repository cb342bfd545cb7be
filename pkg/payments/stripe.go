package payments

import (
	"fmt"
	"log"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
)

// Charge is what checkout needs to know about a captured payment.
type Charge struct {
	AmountCents int64
	Currency    string
	Reference   string
}

// ChargeLookup resolves a payment reference to the captured amount. The
// checkout handler uses it to derive the order's charged amount; tests
// substitute a stub.
type ChargeLookup interface {
	Lookup(paymentRef string) (*Charge, error)
}

// StripeLookup resolves payment intents against the Stripe API.
type StripeLookup struct{}

// NewStripeLookup configures the global Stripe client and returns a lookup.
func NewStripeLookup(secretKey string) *StripeLookup {
	stripe.Key = secretKey
	log.Printf("✅ Stripe client initialized")
	return &StripeLookup{}
}

// Lookup fetches a payment intent and returns its captured amount. Only
// succeeded intents count as captured.
func (s *StripeLookup) Lookup(paymentRef string) (*Charge, error) {
	pi, err := paymentintent.Get(paymentRef, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment intent: %w", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("payment intent %s not captured (status %s)", paymentRef, pi.Status)
	}
	return &Charge{
		AmountCents: pi.AmountReceived,
		Currency:    string(pi.Currency),
		Reference:   pi.ID,
	}, nil
}
