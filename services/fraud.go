package services

import (
	"github.com/shopspring/decimal"

	"order-saga/models"
)

// DefaultFraudThreshold is the score at or above which a payment is treated
// as fraudulent.
var DefaultFraudThreshold = decimal.RequireFromString("0.8")

// FraudRule adds Weight to the score when Applies matches the request.
type FraudRule struct {
	Name    string
	Weight  decimal.Decimal
	Applies func(req models.PaymentRequest) bool
}

func amountAbove(limit int64) func(models.PaymentRequest) bool {
	threshold := decimal.NewFromInt(limit)
	return func(req models.PaymentRequest) bool { return req.Amount.GreaterThan(threshold) }
}

// fromClient limits a rule to payments a client submitted; saga payments
// never carry a client fingerprint.
func fromClient(missing func(models.PaymentRequest) bool) func(models.PaymentRequest) bool {
	return func(req models.PaymentRequest) bool { return !req.FromEvent && missing(req) }
}

func DefaultFraudRules() []FraudRule {
	return []FraudRule{
		{Name: "amount_over_1000", Weight: decimal.RequireFromString("0.3"), Applies: amountAbove(1000)},
		{Name: "amount_over_5000", Weight: decimal.RequireFromString("0.2"), Applies: amountAbove(5000)},
		{Name: "amount_over_10000", Weight: decimal.RequireFromString("0.2"), Applies: amountAbove(10000)},
		{Name: "missing_ip", Weight: decimal.RequireFromString("0.1"), Applies: fromClient(func(req models.PaymentRequest) bool { return req.IPAddress == "" })},
		{Name: "missing_user_agent", Weight: decimal.RequireFromString("0.1"), Applies: fromClient(func(req models.PaymentRequest) bool { return req.UserAgent == "" })},
	}
}

type FraudScorer struct {
	threshold decimal.Decimal
	rules     []FraudRule
}

// NewFraudScorer uses DefaultFraudRules when no rules are given.
func NewFraudScorer(threshold decimal.Decimal, rules ...FraudRule) *FraudScorer {
	if len(rules) == 0 {
		rules = DefaultFraudRules()
	}
	return &FraudScorer{threshold: threshold, rules: rules}
}

func (f *FraudScorer) Score(req models.PaymentRequest) decimal.Decimal {
	score := decimal.Zero
	for _, rule := range f.rules {
		if rule.Applies(req) {
			score = score.Add(rule.Weight)
		}
	}
	return score
}

func (f *FraudScorer) Fraudulent(score decimal.Decimal) bool {
	return score.GreaterThanOrEqual(f.threshold)
}
