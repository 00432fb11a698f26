package models

// ValidationResult is the verdict of a validator over a batch of data points.
// Errors make the batch invalid; warnings only reduce its quality score.
type ValidationResult struct {
	IsValid      bool     `json:"is_valid"`
	QualityScore float64  `json:"quality_score"`
	Errors       []string `json:"errors"`
	Warnings     []string `json:"warnings"`
	DataPoints   int      `json:"data_points"`
	Source       string   `json:"source,omitempty"`
}

// AddError records an error and marks the result invalid.
func (r *ValidationResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.IsValid = false
}

// AddWarning records a warning.
func (r *ValidationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
