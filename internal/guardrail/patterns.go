package guardrail

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Patterns is the payment-detection lexicon. It is data: operators extend it
// with a YAML file and the defaults always stay in force.
type Patterns struct {
	// ButtonText phrases matched on word boundaries against element text.
	ButtonText []string `yaml:"button_text"`
	// ButtonAttributes substrings matched against id, class and name.
	ButtonAttributes []string `yaml:"button_attributes"`
	// URLPaths substrings matched against the lower-cased URL path.
	URLPaths []string `yaml:"url_paths"`
	// PaymentFrameHosts are processor hosts; a subdomain also matches.
	PaymentFrameHosts []string `yaml:"payment_frame_hosts"`
	// BodyPhrases matched on word boundaries against page text.
	BodyPhrases []string `yaml:"body_phrases"`
	// CardFieldHints substrings matched against input name, id and autocomplete.
	CardFieldHints []string `yaml:"card_field_hints"`
	// PricePattern recognizes currency-formatted amounts.
	PricePattern string `yaml:"price_pattern"`
	// PriceProximityPx is the distance under which a price marks a control as a payment button.
	PriceProximityPx float64 `yaml:"price_proximity_px"`
}

// DefaultPatterns returns the built-in lexicon.
func DefaultPatterns() Patterns {
	return Patterns{
		ButtonText: []string{
			"pay", "pay now", "payment", "complete payment", "submit payment", "make payment",
			"proceed to payment", "purchase", "complete purchase", "checkout", "check out",
			"place order", "place your order", "buy", "buy now", "add to cart", "add to basket",
		},
		ButtonAttributes: []string{
			"payment", "checkout", "purchase", "pay-now", "paynow", "pay_now", "buy-now", "buynow", "add-to-cart", "billing",
		},
		URLPaths: []string{
			"/checkout", "/payment", "/payments", "/pay/", "/billing", "/cart", "/basket", "/purchase", "/order/confirm",
		},
		PaymentFrameHosts: []string{
			"js.stripe.com", "checkout.stripe.com", "hooks.stripe.com", "paypal.com", "paypalobjects.com",
			"braintreegateway.com", "squareup.com", "squarecdn.com", "adyen.com", "authorize.net", "checkout.com",
		},
		BodyPhrases: []string{
			"card number", "credit card", "debit card", "cvv", "cvc", "security code", "expiration date",
			"expiry date", "billing information", "billing address", "payment information", "payment method",
			"order total", "amount due",
		},
		CardFieldHints: []string{
			"cc-number", "cardnumber", "card-number", "card_number", "cc-csc", "cvv", "cvc", "cc-exp", "card-expiry",
		},
		PricePattern:     `(?:[$€£]\s?\d{1,3}(?:,\d{3})*(?:\.\d{2})?|\d+(?:\.\d{2})?\s?(?:USD|EUR|GBP|CAD))`,
		PriceProximityPx: 200,
	}
}

// LoadPatterns reads a YAML pattern file and merges it over the defaults.
// List entries are added; scalar fields replace the default when set.
func LoadPatterns(path string) (Patterns, error) {
	p := DefaultPatterns()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read guardrail patterns: %w", err)
	}
	var extra Patterns
	if err := yaml.Unmarshal(raw, &extra); err != nil {
		return p, fmt.Errorf("parse guardrail patterns: %w", err)
	}
	return p.Merge(extra), nil
}

// Merge returns p extended with the entries of extra.
func (p Patterns) Merge(extra Patterns) Patterns {
	out := Patterns{
		ButtonText:        union(p.ButtonText, extra.ButtonText),
		ButtonAttributes:  union(p.ButtonAttributes, extra.ButtonAttributes),
		URLPaths:          union(p.URLPaths, extra.URLPaths),
		PaymentFrameHosts: union(p.PaymentFrameHosts, extra.PaymentFrameHosts),
		BodyPhrases:       union(p.BodyPhrases, extra.BodyPhrases),
		CardFieldHints:    union(p.CardFieldHints, extra.CardFieldHints),
		PricePattern:      p.PricePattern,
		PriceProximityPx:  p.PriceProximityPx,
	}
	if extra.PricePattern != "" {
		out.PricePattern = extra.PricePattern
	}
	if extra.PriceProximityPx > 0 {
		out.PriceProximityPx = extra.PriceProximityPx
	}
	return out
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, s := range b {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
