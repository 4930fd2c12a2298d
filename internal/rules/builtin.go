package rules

import "github.com/opensource-finance/fraudwatch/internal/domain"

// Band edges shared by the built-in rules: scores below 0.5 pass,
// [0.5, 1) is review and 1 or more fails.
var (
	reviewEdge = 0.5
	failEdge   = 1.0
)

func passReviewFail(review, fail string) []domain.RuleBand {
	return []domain.RuleBand{
		{UpperLimit: &reviewEdge, SubRuleRef: domain.RuleOutcomePass},
		{LowerLimit: &reviewEdge, UpperLimit: &failEdge, SubRuleRef: domain.RuleOutcomeReview, Reason: review},
		{LowerLimit: &failEdge, SubRuleRef: domain.RuleOutcomeFail, Reason: fail},
	}
}

func passReview(review string) []domain.RuleBand {
	return []domain.RuleBand{
		{UpperLimit: &reviewEdge, SubRuleRef: domain.RuleOutcomePass},
		{LowerLimit: &reviewEdge, SubRuleRef: domain.RuleOutcomeReview, Reason: review},
	}
}

// BuiltinRules returns the default rule set seeded into an empty rule store.
// Amounts are in rupees; typical retail spend is ₹100 to ₹50,000.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "aadhaar-pay-high-value",
			Name:        "High value Aadhaar Pay",
			Description: "Aadhaar-enabled payments above ₹10,000",
			Version:     "1.0.0",
			Expression:  `payment_method == "aadhaar_pay" && amount > 10000.0`,
			Bands:       passReview("High-value Aadhaar Pay transaction"),
			Weight:      1.0,
			Enabled:     true,
		},
		{
			ID:          "high-amount",
			Name:        "High amount",
			Description: "Amount far above the typical retail range",
			Version:     "1.0.0",
			Expression:  `amount > 50000.0 ? 1.0 : (amount > 25000.0 ? 0.6 : (amount > 10000.0 ? 0.3 : 0.0))`,
			Bands:       passReviewFail("Amount well above typical spend", "Amount exceeds ₹50,000"),
			Weight:      2.0,
			Enabled:     true,
		},
		{
			ID:          "high-value-goods",
			Name:        "High value resale-prone goods",
			Description: "Gold, jewellery or electronics purchases above ₹20,000",
			Version:     "1.0.0",
			Expression:  `(merchant_category == "gold_jewelry" || merchant_category == "electronics") && amount > 20000.0`,
			Bands:       passReview("High-value purchase in a resale-prone category"),
			Weight:      1.0,
			Enabled:     true,
		},
		{
			ID:          "late-night",
			Name:        "Late night activity",
			Description: "Transactions between midnight and 5am IST",
			Version:     "1.0.0",
			Expression:  `hour < 5`,
			Bands:       passReview("Transaction at an unusual hour"),
			Weight:      1.0,
			Enabled:     true,
		},
		{
			ID:          "upi-missing-vpa",
			Name:        "UPI without VPA",
			Description: "UPI payments that do not carry a virtual payment address",
			Version:     "1.0.0",
			Expression:  `payment_method == "upi" && upi_vpa == ""`,
			Bands:       passReview("UPI payment without a VPA"),
			Weight:      1.0,
			Enabled:     true,
		},
		{
			ID:          "velocity-burst",
			Name:        "Velocity burst",
			Description: "Many transactions from the same user inside the velocity window",
			Version:     "1.0.0",
			Expression:  `velocity_count > 10 ? 1.0 : (velocity_count > 5 ? 0.6 : 0.0)`,
			Bands:       passReviewFail("Unusual number of recent transactions", "Rapid burst of transactions from one user"),
			Weight:      1.5,
			Enabled:     true,
		},
	}
}
