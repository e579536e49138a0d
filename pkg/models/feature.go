package models

// FeaturePriority classifies how negotiable a feature is.
type FeaturePriority string

const (
	FeatureMust   FeaturePriority = "must"
	FeatureShould FeaturePriority = "should"
	FeatureCould  FeaturePriority = "could"
	FeatureWont   FeaturePriority = "wont"
)

// Valid returns true if the priority is a known value.
func (p FeaturePriority) Valid() bool {
	switch p {
	case FeatureMust, FeatureShould, FeatureCould, FeatureWont:
		return true
	default:
		return false
	}
}

// Feature is a human-sized request submitted for decomposition.
type Feature struct {
	// ID is the unique identifier for this feature.
	ID string `json:"id"`
	// Title is the short name of the feature.
	Title string `json:"title"`
	// Description explains the desired behavior in prose.
	Description string `json:"description"`
	// Priority classifies the feature (must/should/could/wont).
	Priority FeaturePriority `json:"priority"`
	// AcceptanceCriteria lists the conditions that define done.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}
