// Package ags binds launches to platform line items and pushes grades back
// through the LTI Assignment and Grade Services.
package ags

import (
	"time"
)

const (
	ActivitySubmitted  = "Submitted"
	GradingFullyGraded = "FullyGraded"

	scoreContentType = "application/vnd.ims.lis.v1.score+json"
)

// GradedResource records that a profile launched a context (course or unit)
// from a platform line item.
type GradedResource struct {
	ID         string    `json:"id"`
	ProfileID  string    `json:"lti_profile_id"`
	ContextKey string    `json:"context_key"`
	LineItem   string    `json:"lineitem"`
	CreatedAt  time.Time `json:"created_at"`
}

// Score is the AGS score publish payload.
type Score struct {
	UserID           string  `json:"userId"`
	Timestamp        string  `json:"timestamp"`
	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`
	Comment          string  `json:"comment,omitempty"`
}

// NewScore builds a final, fully graded score for the platform user sub.
func NewScore(sub string, given, maximum float64, at time.Time) Score {
	return Score{
		UserID:           sub,
		Timestamp:        at.UTC().Format(time.RFC3339Nano),
		ScoreGiven:       given,
		ScoreMaximum:     maximum,
		ActivityProgress: ActivitySubmitted,
		GradingProgress:  GradingFullyGraded,
	}
}
