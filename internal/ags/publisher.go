package ags

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-lti-tool/internal/obs"
	"github.com/mind-engage/mindengage-lti-tool/internal/profiles"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

const (
	LevelCourse  = "course"
	LevelProblem = "problem"
	LevelUnit    = "unit"
)

type ScorePoster interface {
	PostScore(ctx context.Context, msg *lti.Message, s Score) error
}

// Publisher sends one score to one graded resource. It never retries;
// failures are logged and returned to the caller.
type Publisher struct {
	Client ScorePoster
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func (p *Publisher) Publish(ctx context.Context, eventID string, prof profiles.Profile, r GradedResource, given, maximum float64, level string) error {
	msg := ServiceMessage(prof.PlatformID, prof.ClientID, prof.SubjectID, r.LineItem)
	score := NewScore(prof.SubjectID, given, maximum, p.Now())

	err := p.Client.PostScore(ctx, msg, score)
	obs.ScorePushes.WithLabelValues(level, obs.Outcome(err)).Inc()

	fields := logrus.Fields{
		"event_id":      eventID,
		"level":         level,
		"user_id":       prof.UserID,
		"profile_id":    prof.ID,
		"context_key":   r.ContextKey,
		"lineitem":      r.LineItem,
		"score_given":   given,
		"score_maximum": maximum,
		"timestamp":     score.Timestamp,
	}
	if err != nil {
		p.Log.WithError(err).WithFields(fields).WithField("jwt_body", map[string]any(msg.Claims)).
			Error("AGS score push failed")
		return err
	}
	p.Log.WithFields(fields).Debug("AGS score pushed")
	return nil
}
