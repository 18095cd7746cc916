package domain

type AestheticDimensions struct {
	Typography int `json:"typography"`
	Contrast   int `json:"contrast"`
	Layout     int `json:"layout"`
	Color      int `json:"color"`
	CTA        int `json:"cta"`
}

func (d AestheticDimensions) Sum() int {
	return d.Typography + d.Contrast + d.Layout + d.Color + d.CTA
}

type CheckResult string

const (
	CheckPass CheckResult = "pass"
	CheckFail CheckResult = "fail"
)

type AutoChecks struct {
	WCAGContrast CheckResult `json:"wcag_contrast"`
	LineHeight   CheckResult `json:"line_height"`
	TypeScale    CheckResult `json:"type_scale"`
}

// AestheticScore is produced per validation attempt. Total is always the
// arithmetic sum of the five dimensions.
type AestheticScore struct {
	Dimensions AestheticDimensions `json:"dimensions"`
	Total      int                 `json:"total"`
	AutoChecks AutoChecks          `json:"auto_checks"`
	Issues     []string            `json:"issues"`
}

func NewAestheticScore(dims AestheticDimensions, checks AutoChecks, issues []string) AestheticScore {
	return AestheticScore{
		Dimensions: dims,
		Total:      dims.Sum(),
		AutoChecks: checks,
		Issues:     issues,
	}
}

func (s AestheticScore) PassesThreshold(threshold int) bool {
	return s.Total >= threshold
}

// AestheticAttempt is one entry in the refine loop's attempt trail.
type AestheticAttempt struct {
	Content map[string]any `json:"content"`
	Score   AestheticScore `json:"score"`
}
