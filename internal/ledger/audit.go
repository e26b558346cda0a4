package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultTolerance is the rounding tolerance used when comparing advisory sums
var DefaultTolerance = decimal.RequireFromString("0.01")

// Audit rules. None of them is enforced by the schema; the writer is expected to maintain them.
const (
	RuleCategoryWeights     = "category_weights_sum"
	RuleAbsoluteWeights     = "absolute_weights_sum"
	RuleContributionSum     = "contribution_sum"
	RuleTimestampAlignment  = "timestamp_alignment"
	RuleDiscountedPrice     = "discounted_price"
	RuleContributionProduct = "contribution_product"
	RuleComponentSum        = "component_sum"
	RuleCategoryCount       = "category_count"
)

// Finding is one advisory invariant that does not hold
type Finding struct {
	Rule     string          `json:"rule"`
	Subject  string          `json:"subject"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s(%s): expected %s, got %s", f.Rule, f.Subject, f.Expected.String(), f.Actual.String())
}

// AuditReport lists the advisory invariant violations of one snapshot
type AuditReport struct {
	SnapshotID uuid.UUID `json:"snapshot_id"`
	Providers  int       `json:"providers"`
	Findings   []Finding `json:"findings"`
}

// OK reports whether every advisory invariant holds
func (r *AuditReport) OK() bool {
	return len(r.Findings) == 0
}

// Summary joins the findings into one line
func (r *AuditReport) Summary() string {
	parts := make([]string, len(r.Findings))
	for i, f := range r.Findings {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}

// Audit checks the advisory invariants of a snapshot against its provider rows.
// A snapshot without providers only has its component sum checked.
func Audit(s *IndexSnapshot, providers []ProviderPrice, tolerance decimal.Decimal) *AuditReport {
	report := &AuditReport{SnapshotID: s.ID, Providers: len(providers)}
	add := func(rule, subject string, expected, actual decimal.Decimal) {
		if !within(expected, actual, tolerance) {
			report.Findings = append(report.Findings, Finding{
				Rule: rule, Subject: subject, Expected: expected, Actual: actual,
			})
		}
	}

	if s.HyperscalerComponent.Valid && s.NeocloudComponent.Valid {
		add(RuleComponentSum, "index_price", s.IndexPrice,
			s.HyperscalerComponent.Decimal.Add(s.NeocloudComponent.Decimal))
	}

	if len(providers) == 0 {
		return report
	}

	relative := map[ProviderType]decimal.Decimal{}
	counts := map[ProviderType]int{}
	absolute := decimal.Zero
	contribution := decimal.Zero

	for _, p := range providers {
		relative[p.ProviderType] = relative[p.ProviderType].Add(p.RelativeWeight)
		counts[p.ProviderType]++
		absolute = absolute.Add(p.AbsoluteWeight)
		contribution = contribution.Add(p.WeightedContribution)

		if !p.Timestamp.Equal(s.Timestamp) {
			report.Findings = append(report.Findings, Finding{
				Rule:     RuleTimestampAlignment,
				Subject:  p.ProviderName,
				Expected: decimal.NewFromInt(s.Timestamp.Unix()),
				Actual:   decimal.NewFromInt(p.Timestamp.Unix()),
			})
		}
		if p.DiscountRate.Valid {
			expected := p.OriginalPrice.Mul(decimal.NewFromInt(1).Sub(p.DiscountRate.Decimal))
			add(RuleDiscountedPrice, p.ProviderName, expected, p.EffectivePrice)
		}
		add(RuleContributionProduct, p.ProviderName, p.EffectivePrice.Mul(p.AbsoluteWeight), p.WeightedContribution)
	}

	one := decimal.NewFromInt(1)
	for _, t := range []ProviderType{ProviderTypeHyperscaler, ProviderTypeNeocloud} {
		if counts[t] > 0 {
			add(RuleCategoryWeights, string(t), one, relative[t])
		}
	}
	add(RuleAbsoluteWeights, "index", one, absolute)
	add(RuleContributionSum, "index_price", s.IndexPrice, contribution)

	if s.HyperscalerCount != nil && *s.HyperscalerCount != counts[ProviderTypeHyperscaler] {
		report.Findings = append(report.Findings, Finding{
			Rule:     RuleCategoryCount,
			Subject:  string(ProviderTypeHyperscaler),
			Expected: decimal.NewFromInt(int64(*s.HyperscalerCount)),
			Actual:   decimal.NewFromInt(int64(counts[ProviderTypeHyperscaler])),
		})
	}
	if s.NeocloudCount != nil && *s.NeocloudCount != counts[ProviderTypeNeocloud] {
		report.Findings = append(report.Findings, Finding{
			Rule:     RuleCategoryCount,
			Subject:  string(ProviderTypeNeocloud),
			Expected: decimal.NewFromInt(int64(*s.NeocloudCount)),
			Actual:   decimal.NewFromInt(int64(counts[ProviderTypeNeocloud])),
		})
	}

	return report
}

// within compares with an absolute tolerance, scaled up for magnitudes above one
func within(expected, actual, tolerance decimal.Decimal) bool {
	scale := expected.Abs()
	if scale.LessThan(decimal.NewFromInt(1)) {
		scale = decimal.NewFromInt(1)
	}
	return expected.Sub(actual).Abs().LessThanOrEqual(tolerance.Mul(scale))
}
