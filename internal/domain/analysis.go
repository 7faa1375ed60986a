package domain

// Confidence bounds shared by every analysis result
const (
	MinConfidence = 0.1
	MaxConfidence = 0.95
)

// ClampConfidence bounds a confidence value to [MinConfidence, MaxConfidence]
func ClampConfidence(c float64) float64 {
	if c < MinConfidence {
		return MinConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}

// RiskLevel is the severity of a single allergen finding
type RiskLevel string

const (
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// SafetyVerdict is the aggregated allergen outcome for a product (safe < caution < danger)
type SafetyVerdict string

const (
	VerdictSafe    SafetyVerdict = "safe"
	VerdictCaution SafetyVerdict = "caution"
	VerdictDanger  SafetyVerdict = "danger"
)

// SafetyLevel classifies a recommended product
type SafetyLevel string

const (
	SafetySafe    SafetyLevel = "safe"
	SafetyCaution SafetyLevel = "caution"
	SafetyAvoid   SafetyLevel = "avoid"
)

// Tier orders safety levels for ranking; lower is safer
func (l SafetyLevel) Tier() int {
	switch l {
	case SafetySafe:
		return 0
	case SafetyCaution:
		return 1
	default:
		return 2
	}
}

// AllergenRisk is one finding produced by a detection layer
type AllergenRisk struct {
	Allergen           string    `json:"allergen"`
	RiskLevel          RiskLevel `json:"riskLevel"`
	Confidence         float64   `json:"confidence"`
	Reason             string    `json:"reason"`
	Sources            []string  `json:"sources"`
	CrossContamination bool      `json:"crossContamination,omitempty"`
}

// AllergenAnalysis aggregates allergen findings for one product
type AllergenAnalysis struct {
	Safe       bool           `json:"safe"`
	RiskLevel  SafetyVerdict  `json:"riskLevel"`
	Confidence float64        `json:"confidence"`
	Risks      []AllergenRisk `json:"risks"`
	Violations []string       `json:"violations"`
	Warnings   []string       `json:"warnings"`
}

// ComplianceResult is the verdict for a single restriction
type ComplianceResult struct {
	Restriction    RestrictionType `json:"restriction"`
	Required       bool            `json:"required"`
	Compliant      bool            `json:"compliant"`
	Confidence     float64         `json:"confidence"`
	Violations     []string        `json:"violations"`
	Warnings       []string        `json:"warnings"`
	Certifications []string        `json:"certifications"`
	Sources        []string        `json:"sources"`
}

// ComplianceReport aggregates per-restriction verdicts
type ComplianceReport struct {
	OverallCompliance bool                                  `json:"overallCompliance"`
	Confidence        float64                               `json:"confidence"`
	Results           map[RestrictionType]*ComplianceResult `json:"results"`
}

// Violations flattens the violations of every restriction
func (r *ComplianceReport) Violations() []string {
	var out []string
	for _, t := range KnownRestrictionTypes {
		if res, ok := r.Results[t]; ok {
			out = append(out, res.Violations...)
		}
	}
	return out
}

// AnalysisResult is the safety opinion returned by the AI fallback chain
type AnalysisResult struct {
	Safe        bool     `json:"safe"`
	Violations  []string `json:"violations"`
	Warnings    []string `json:"warnings"`
	Confidence  float64  `json:"confidence"`
	Explanation string   `json:"explanation"`
	Strategy    string   `json:"strategy"`
	Degraded    bool     `json:"degraded"`
}

// Recommendation is a ranked candidate product
type Recommendation struct {
	Product     Product     `json:"product"`
	Score       float64     `json:"score"`
	Similarity  float64     `json:"similarity"`
	Confidence  float64     `json:"confidence"`
	Reasons     []string    `json:"reasons"`
	SafetyLevel SafetyLevel `json:"safetyLevel"`
}
