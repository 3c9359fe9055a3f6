package queue

import "github.com/zulandar/courier/internal/models"

// Priority tiers map to disjoint score ranges so no lower-priority item can
// ever outrank a higher tier regardless of age. Lower score = served first;
// created_at breaks ties within a tier.
const (
	ScoreUrgent = 100
	ScoreHigh   = 200
	ScoreNormal = 300
	ScoreLow    = 400
)

// Score returns the priority score for a message priority. Unknown
// priorities sort with normal.
func Score(priority string) int {
	switch priority {
	case models.PriorityUrgent:
		return ScoreUrgent
	case models.PriorityHigh:
		return ScoreHigh
	case models.PriorityLow:
		return ScoreLow
	default:
		return ScoreNormal
	}
}

// PriorityForScore maps a score back to its priority tier name.
func PriorityForScore(score int) string {
	switch {
	case score < ScoreHigh:
		return models.PriorityUrgent
	case score < ScoreNormal:
		return models.PriorityHigh
	case score < ScoreLow:
		return models.PriorityNormal
	default:
		return models.PriorityLow
	}
}
