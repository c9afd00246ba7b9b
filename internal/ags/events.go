package ags

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Event is a grade change reported by the host platform.
type Event interface {
	ID() string
}

// CourseGradeChanged carries a course grade as a fraction in [0, 1].
type CourseGradeChanged struct {
	EventID  string  `json:"event_id"`
	UserID   string  `json:"user_id"`
	CourseID string  `json:"course_id"`
	Percent  float64 `json:"percent"`
}

func (e CourseGradeChanged) ID() string { return e.EventID }

// ProblemScoreChanged carries the weighted score of one problem block.
type ProblemScoreChanged struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	UsageKey   string    `json:"usage_key"`
	Earned     float64   `json:"weighted_earned"`
	Possible   float64   `json:"weighted_possible"`
	ModifiedAt time.Time `json:"modified_at"`
}

func (e ProblemScoreChanged) ID() string { return e.EventID }

const (
	eventCourseGrade  = "course_grade_changed"
	eventProblemScore = "problem_score_changed"
)

var ErrUnknownEvent = errors.New("ags: unknown event type")

// DecodeEvent reads one JSON event envelope: {"type": "...", "data": {...}}.
func DecodeEvent(r io.Reader) (Event, error) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("ags: decode event: %w", err)
	}
	switch env.Type {
	case eventCourseGrade:
		var e CourseGradeChanged
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("ags: decode %s: %w", env.Type, err)
		}
		if e.UserID == "" || e.CourseID == "" {
			return nil, fmt.Errorf("ags: %s needs user_id and course_id", env.Type)
		}
		return e, nil
	case eventProblemScore:
		var e ProblemScoreChanged
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("ags: decode %s: %w", env.Type, err)
		}
		if e.UserID == "" || e.UsageKey == "" {
			return nil, fmt.Errorf("ags: %s needs user_id and usage_key", env.Type)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, env.Type)
	}
}
