package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RuleKind discriminates the closed set of supported rule shapes. Unknown
// kinds are rejected when a table is decoded, not when an event is priced.
type RuleKind string

const (
	RuleKindPerToken   RuleKind = "per_token"
	RuleKindPerRequest RuleKind = "per_request"
	RuleKindTiered     RuleKind = "tiered"
	RuleKindCostBased  RuleKind = "cost_based"
)

// Match selects which events a rule applies to. Empty fields are wildcards;
// rules are tried in declaration order and the first match wins.
type Match struct {
	EventType string `json:"event_type,omitempty"`
	FeatureID string `json:"feature_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Matches reports whether the rule's selector covers the input.
func (m Match) Matches(in Input) bool {
	if m.EventType != "" && !strings.EqualFold(m.EventType, in.EventType) {
		return false
	}
	if m.FeatureID != "" && !strings.EqualFold(m.FeatureID, in.FeatureID) {
		return false
	}
	if m.Provider != "" && !strings.EqualFold(m.Provider, in.Provider) {
		return false
	}
	if m.Model != "" && !strings.EqualFold(m.Model, in.Model) {
		return false
	}
	return true
}

// PerTokenRule prices input and output tokens linearly.
type PerTokenRule struct {
	CreditsPerInputToken  decimal.Decimal `json:"credits_per_input_token"`
	CreditsPerOutputToken decimal.Decimal `json:"credits_per_output_token"`
	MinimumCredits        int64           `json:"minimum_credits,omitempty"`
}

// PerRequestRule charges a flat credit amount per event.
type PerRequestRule struct {
	Credits int64 `json:"credits"`
}

// TierDimension names the quantity a tiered rule prices.
type TierDimension string

const (
	TierDimensionInputTokens  TierDimension = "input_tokens"
	TierDimensionOutputTokens TierDimension = "output_tokens"
	TierDimensionTotalTokens  TierDimension = "total_tokens"
)

// Tier prices units up to a cumulative bound; a nil UpTo is unbounded and
// must be the last tier.
type Tier struct {
	UpTo           *int64          `json:"up_to"`
	CreditsPerUnit decimal.Decimal `json:"credits_per_unit"`
}

// TieredRule prices a single dimension through graduated tiers.
type TieredRule struct {
	Dimension TierDimension `json:"dimension"`
	Tiers     []Tier        `json:"tiers"`
}

// CostBasedRule derives credits from the USD cost snapshot.
type CostBasedRule struct {
	CreditsPerUSD decimal.Decimal `json:"credits_per_usd"`
}

// Rule is the decoded tagged variant. Exactly one of the shape pointers is
// set, matching Kind.
type Rule struct {
	Kind  RuleKind
	Match Match

	PerToken   *PerTokenRule
	PerRequest *PerRequestRule
	Tiered     *TieredRule
	CostBased  *CostBasedRule
}

// RuleSet is an ordered list of rules; evaluation picks the first match.
type RuleSet struct {
	Rules []Rule `json:"rules"`
}

var (
	ErrUnknownRuleKind = fmt.Errorf("unknown_rule_kind")
	ErrInvalidRuleSet  = fmt.Errorf("invalid_rule_set")
)

type ruleEnvelope struct {
	Kind   string          `json:"kind"`
	Match  Match           `json:"match"`
	Params json.RawMessage `json:"params"`
}

// DecodeRuleSet parses and validates the raw JSON rule set. Every structural
// problem is surfaced here so evaluation can assume a well-formed set.
func DecodeRuleSet(raw []byte) (RuleSet, error) {
	if len(raw) == 0 {
		return RuleSet{}, fmt.Errorf("%w: empty rules document", ErrInvalidRuleSet)
	}

	var doc struct {
		Rules []ruleEnvelope `json:"rules"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return RuleSet{}, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	if len(doc.Rules) == 0 {
		return RuleSet{}, fmt.Errorf("%w: rule set has no rules", ErrInvalidRuleSet)
	}

	set := RuleSet{Rules: make([]Rule, 0, len(doc.Rules))}
	for i, envelope := range doc.Rules {
		rule, err := decodeRule(envelope)
		if err != nil {
			return RuleSet{}, fmt.Errorf("rule %d: %w", i, err)
		}
		set.Rules = append(set.Rules, rule)
	}
	return set, nil
}

func decodeRule(envelope ruleEnvelope) (Rule, error) {
	kind := RuleKind(strings.ToLower(strings.TrimSpace(envelope.Kind)))
	rule := Rule{Kind: kind, Match: envelope.Match}

	switch kind {
	case RuleKindPerToken:
		var params PerTokenRule
		if err := unmarshalParams(envelope.Params, &params); err != nil {
			return Rule{}, err
		}
		if params.CreditsPerInputToken.IsNegative() || params.CreditsPerOutputToken.IsNegative() || params.MinimumCredits < 0 {
			return Rule{}, fmt.Errorf("%w: negative per-token rate", ErrInvalidRuleSet)
		}
		rule.PerToken = &params
	case RuleKindPerRequest:
		var params PerRequestRule
		if err := unmarshalParams(envelope.Params, &params); err != nil {
			return Rule{}, err
		}
		if params.Credits < 0 {
			return Rule{}, fmt.Errorf("%w: negative per-request credits", ErrInvalidRuleSet)
		}
		rule.PerRequest = &params
	case RuleKindTiered:
		var params TieredRule
		if err := unmarshalParams(envelope.Params, &params); err != nil {
			return Rule{}, err
		}
		if err := validateTiers(params); err != nil {
			return Rule{}, err
		}
		rule.Tiered = &params
	case RuleKindCostBased:
		var params CostBasedRule
		if err := unmarshalParams(envelope.Params, &params); err != nil {
			return Rule{}, err
		}
		if params.CreditsPerUSD.IsNegative() {
			return Rule{}, fmt.Errorf("%w: negative credits per usd", ErrInvalidRuleSet)
		}
		rule.CostBased = &params
	default:
		return Rule{}, fmt.Errorf("%w: %q", ErrUnknownRuleKind, envelope.Kind)
	}

	return rule, nil
}

func unmarshalParams(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing rule params", ErrInvalidRuleSet)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	return nil
}

func validateTiers(params TieredRule) error {
	switch params.Dimension {
	case TierDimensionInputTokens, TierDimensionOutputTokens, TierDimensionTotalTokens:
	default:
		return fmt.Errorf("%w: unknown tier dimension %q", ErrInvalidRuleSet, params.Dimension)
	}
	if len(params.Tiers) == 0 {
		return fmt.Errorf("%w: tiered rule has no tiers", ErrInvalidRuleSet)
	}
	var prev int64
	for i, tier := range params.Tiers {
		if tier.CreditsPerUnit.IsNegative() {
			return fmt.Errorf("%w: negative tier rate", ErrInvalidRuleSet)
		}
		if tier.UpTo == nil {
			if i != len(params.Tiers)-1 {
				return fmt.Errorf("%w: unbounded tier must be last", ErrInvalidRuleSet)
			}
			continue
		}
		if *tier.UpTo <= prev {
			return fmt.Errorf("%w: tier bounds must be ascending", ErrInvalidRuleSet)
		}
		prev = *tier.UpTo
	}
	return nil
}
