// Package fraud scores checkouts before any funds move. Classification is
// advisory: a flagged order is recorded for review, not blocked.
package fraud

import (
	"context"
	"fmt"
	"strings"
)

// Signal is the transaction snapshot handed to a classifier.
type Signal struct {
	OrderRef       string  `json:"orderRef"`
	BuyerID        string  `json:"buyerId"`
	TotalMinor     int64   `json:"totalMinor"`
	ItemCount      int     `json:"itemCount"`
	OrdersLastDay  int     `json:"ordersLastDay"`
	AccountAgeDays int     `json:"accountAgeDays"`
	AvgOrderMinor  float64 `json:"avgOrderMinor"`
}

// Result is a classifier verdict. Score is in [0,1].
type Result struct {
	Fraudulent  bool    `json:"isFraudulent"`
	Score       float64 `json:"score"`
	Explanation string  `json:"fraudExplanation"`
}

// Classifier scores a checkout signal.
type Classifier interface {
	Classify(ctx context.Context, signal Signal) (Result, error)
}

// RuleClassifier is the deterministic fallback used when no model backend is
// configured. Each tripped rule adds to the score.
type RuleClassifier struct {
	// LargeOrderMinor is the total above which an order looks anomalous.
	LargeOrderMinor int64
	// BurstOrders is the count of same-day orders treated as a burst.
	BurstOrders int
	// YoungAccountDays marks accounts too new to have history.
	YoungAccountDays int
}

// NewRuleClassifier returns a classifier with the default thresholds.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{
		LargeOrderMinor:  500_000,
		BurstOrders:      5,
		YoungAccountDays: 2,
	}
}

func (c *RuleClassifier) Classify(_ context.Context, signal Signal) (Result, error) {
	var score float64
	var reasons []string

	if c.LargeOrderMinor > 0 && signal.TotalMinor >= c.LargeOrderMinor {
		score += 0.4
		reasons = append(reasons, fmt.Sprintf("order total %d exceeds %d", signal.TotalMinor, c.LargeOrderMinor))
	}
	if signal.AvgOrderMinor > 0 && float64(signal.TotalMinor) >= signal.AvgOrderMinor*10 {
		score += 0.3
		reasons = append(reasons, "order total is more than 10x the buyer's average")
	}
	if c.BurstOrders > 0 && signal.OrdersLastDay >= c.BurstOrders {
		score += 0.3
		reasons = append(reasons, fmt.Sprintf("%d orders in the last 24h", signal.OrdersLastDay))
	}
	if c.YoungAccountDays > 0 && signal.AccountAgeDays <= c.YoungAccountDays && signal.TotalMinor >= c.LargeOrderMinor/2 {
		score += 0.2
		reasons = append(reasons, fmt.Sprintf("high-value order from a %d-day-old account", signal.AccountAgeDays))
	}
	if score > 1 {
		score = 1
	}

	result := Result{Score: score}
	if score >= 0.5 {
		result.Fraudulent = true
	}
	if len(reasons) > 0 {
		result.Explanation = strings.Join(reasons, "; ")
	} else {
		result.Explanation = "no risk indicators tripped"
	}
	return result, nil
}
