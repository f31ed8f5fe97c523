package domain

import (
	"fmt"

	costdomain "github.com/smallbiznis/creditmeter/internal/costcatalog/domain"
	"github.com/shopspring/decimal"
)

// Input carries the usage dimensions burn rules price against.
type Input struct {
	EventType string
	FeatureID string
	Provider  string
	Model     string

	InputTokens  int64
	OutputTokens int64
	Requests     int64
}

// Evaluate converts usage into a non-negative credit amount. It is a pure
// function of (table, input, cost snapshot): re-pricing the same event with
// the same snapshot always yields the same result, which makes retries and
// audits safe. Fractional credits round up so usage is never under-billed.
func Evaluate(table *BurnTable, in Input, costs map[costdomain.CostType]costdomain.CostEntry) (int64, error) {
	if table == nil {
		return 0, fmt.Errorf("%w: missing table", ErrBurnRuleEvaluation)
	}
	if len(table.RuleSet.Rules) == 0 {
		return 0, fmt.Errorf("%w: table %s has no decoded rules", ErrBurnRuleEvaluation, table.Name)
	}

	for _, rule := range table.RuleSet.Rules {
		if !rule.Match.Matches(in) {
			continue
		}
		return evaluateRule(rule, in, costs)
	}
	return 0, fmt.Errorf("%w: no rule matches event type %q feature %q", ErrBurnRuleEvaluation, in.EventType, in.FeatureID)
}

func evaluateRule(rule Rule, in Input, costs map[costdomain.CostType]costdomain.CostEntry) (int64, error) {
	switch rule.Kind {
	case RuleKindPerToken:
		if rule.PerToken == nil {
			return 0, fmt.Errorf("%w: per_token rule without params", ErrBurnRuleEvaluation)
		}
		credits := rule.PerToken.CreditsPerInputToken.Mul(decimal.NewFromInt(in.InputTokens)).
			Add(rule.PerToken.CreditsPerOutputToken.Mul(decimal.NewFromInt(in.OutputTokens)))
		rounded := ceil(credits)
		if rounded < rule.PerToken.MinimumCredits {
			rounded = rule.PerToken.MinimumCredits
		}
		return rounded, nil

	case RuleKindPerRequest:
		if rule.PerRequest == nil {
			return 0, fmt.Errorf("%w: per_request rule without params", ErrBurnRuleEvaluation)
		}
		requests := in.Requests
		if requests <= 0 {
			requests = 1
		}
		return rule.PerRequest.Credits * requests, nil

	case RuleKindTiered:
		if rule.Tiered == nil {
			return 0, fmt.Errorf("%w: tiered rule without params", ErrBurnRuleEvaluation)
		}
		return evaluateTiered(*rule.Tiered, in)

	case RuleKindCostBased:
		if rule.CostBased == nil {
			return 0, fmt.Errorf("%w: cost_based rule without params", ErrBurnRuleEvaluation)
		}
		if len(costs) == 0 {
			return 0, fmt.Errorf("%w: cost_based rule requires a cost snapshot", ErrBurnRuleEvaluation)
		}
		usd := costdomain.ComputeCost(costs, costdomain.UsageDimensions{
			InputTokens:  in.InputTokens,
			OutputTokens: in.OutputTokens,
			Requests:     in.Requests,
		})
		return ceil(usd.Mul(rule.CostBased.CreditsPerUSD)), nil

	default:
		// DecodeRuleSet rejects unknown kinds; reaching this is a bug.
		return 0, fmt.Errorf("%w: unsupported rule kind %q", ErrBurnRuleEvaluation, rule.Kind)
	}
}

func evaluateTiered(rule TieredRule, in Input) (int64, error) {
	var quantity int64
	switch rule.Dimension {
	case TierDimensionInputTokens:
		quantity = in.InputTokens
	case TierDimensionOutputTokens:
		quantity = in.OutputTokens
	case TierDimensionTotalTokens:
		quantity = in.InputTokens + in.OutputTokens
	default:
		return 0, fmt.Errorf("%w: unknown tier dimension %q", ErrBurnRuleEvaluation, rule.Dimension)
	}
	if quantity < 0 {
		return 0, fmt.Errorf("%w: negative quantity", ErrBurnRuleEvaluation)
	}

	total := decimal.Zero
	var consumed int64
	for _, tier := range rule.Tiers {
		if consumed >= quantity {
			break
		}
		span := quantity - consumed
		if tier.UpTo != nil {
			bound := *tier.UpTo - consumed
			if bound <= 0 {
				continue
			}
			if span > bound {
				span = bound
			}
		}
		total = total.Add(tier.CreditsPerUnit.Mul(decimal.NewFromInt(span)))
		consumed += span
	}
	if consumed < quantity {
		return 0, fmt.Errorf("%w: tiers do not cover quantity %d", ErrBurnRuleEvaluation, quantity)
	}
	return ceil(total), nil
}

func ceil(d decimal.Decimal) int64 {
	return d.Ceil().IntPart()
}
