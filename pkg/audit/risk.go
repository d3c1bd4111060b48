package audit

import (
	"time"

	"mediscan/pkg/domain"
)

type riskRule struct {
	risk      domain.RiskLevel
	sensitive bool
	// fixed rules do not escalate on failure.
	fixed bool
}

var riskRules = map[string]riskRule{
	ActionFileUpload:            {risk: domain.RiskMedium, sensitive: true},
	ActionArtifactRegistered:    {risk: domain.RiskLow},
	ActionArtifactStatusChanged: {risk: domain.RiskLow},
	ActionArtifactDeleted:       {risk: domain.RiskMedium, sensitive: true},
	ActionJobCreated:            {risk: domain.RiskLow},
	ActionJobStarted:            {risk: domain.RiskLow},
	ActionJobCompleted:          {risk: domain.RiskLow, sensitive: true},
	ActionJobFailed:             {risk: domain.RiskMedium},
	ActionJobRetryScheduled:     {risk: domain.RiskLow},
	ActionRetryBudgetExhausted:  {risk: domain.RiskMedium, fixed: true},
	ActionJobCancelled:          {risk: domain.RiskLow},
	ActionDispatchFailed:        {risk: domain.RiskMedium, fixed: true},
	ActionCallbackDuplicate:     {risk: domain.RiskLow, fixed: true},
	ActionSignatureMismatch:     {risk: domain.RiskHigh, fixed: true},
	ActionResultsAccessed:       {risk: domain.RiskMedium, sensitive: true},
	ActionRetentionPurge:        {risk: domain.RiskMedium, fixed: true},
}

// Classify derives the risk level and sensitive flag for an action.
// A failed action escalates one level unless its rule is fixed; unknown
// actions start at medium.
func Classify(action string, success bool) (domain.RiskLevel, bool) {
	rule, ok := riskRules[action]
	if !ok {
		rule = riskRule{risk: domain.RiskMedium}
	}
	risk := rule.risk
	if !success && !rule.fixed {
		risk = escalate(risk)
	}
	return risk, rule.sensitive
}

func escalate(r domain.RiskLevel) domain.RiskLevel {
	switch r {
	case domain.RiskLow:
		return domain.RiskMedium
	case domain.RiskMedium:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}

func maxRisk(a, b domain.RiskLevel) domain.RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// RetentionPolicy decides how long entries must be kept.
type RetentionPolicy struct {
	Standard  time.Duration
	Sensitive time.Duration
}

// DefaultRetention keeps routine entries for a year and sensitive or
// high-risk entries for seven.
var DefaultRetention = RetentionPolicy{
	Standard:  365 * 24 * time.Hour,
	Sensitive: 7 * 365 * 24 * time.Hour,
}

func (p RetentionPolicy) expiry(now time.Time, risk domain.RiskLevel, sensitive bool) time.Time {
	if sensitive || risk.Rank() >= domain.RiskHigh.Rank() {
		return now.Add(p.Sensitive)
	}
	return now.Add(p.Standard)
}

// protected entries survive retention purges.
func protected(risk domain.RiskLevel) bool {
	return risk.Rank() >= domain.RiskHigh.Rank()
}
