package models

// Verdict is the structured AI enrichment result.
type Verdict struct {
	PromptVersion    any            `json:"prompt_version"`
	IsRecommended    bool           `json:"is_recommended"`
	Reason           string         `json:"reason"`
	RiskTags         []string       `json:"risk_tags"`
	CriteriaAnalysis map[string]any `json:"criteria_analysis"`

	Valid            bool     `json:"validation_passed"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	Attempts         int      `json:"attempts"`
}

// Recommended reports whether the verdict passed validation and recommends the item.
// An invalid verdict is never treated as a recommendation.
func (v *Verdict) Recommended() bool {
	return v != nil && v.Valid && v.IsRecommended
}
