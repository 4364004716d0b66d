package model

// MatchClass classifies a compared pair of records.
type MatchClass string

const (
	MatchExact    MatchClass = "exact"
	MatchProbable MatchClass = "probable"
	MatchNone     MatchClass = "none"
)

// MatchCandidatePair is the outcome of comparing two records. LeftID always
// sorts before RightID so the same pair compares equal from either side.
type MatchCandidatePair struct {
	LeftID        string     `json:"left_id"`
	RightID       string     `json:"right_id"`
	NameScore     float64    `json:"name_score"`
	LocationScore float64    `json:"location_score"`
	ContactScore  float64    `json:"contact_score"`
	Confidence    float64    `json:"confidence"`
	Class         MatchClass `json:"class"`
	Reason        string     `json:"reason,omitempty"`
}
