package ags

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mind-engage/mindengage-lti-tool/internal/host"
	"github.com/mind-engage/mindengage-lti-tool/internal/profiles"
	"github.com/mind-engage/mindengage-lti-tool/internal/tasks"
)

type ProfileLookup interface {
	GetByUserID(ctx context.Context, userID string) (profiles.Profile, error)
}

type ResourceLister interface {
	ListForContext(ctx context.Context, profileID, contextKey string) ([]GradedResource, error)
}

type Queue interface {
	Enqueue(ctx context.Context, name string, fn tasks.Func) error
}

// Bridge turns host grade events into AGS score pushes.
type Bridge struct {
	Profiles  ProfileLookup
	Resources ResourceLister
	Publisher *Publisher
	Content   host.ContentStore
	Grades    host.GradeReader
	Queue     Queue
	Log       logrus.FieldLogger
	// Concurrency caps simultaneous course-level pushes; zero means 4.
	Concurrency int
}

// Run consumes events until ctx is done or events is closed.
func (b *Bridge) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := b.Handle(ctx, ev); err != nil {
				b.Log.WithError(err).WithField("event_id", ev.ID()).Warn("grade event not fully delivered")
			}
		}
	}
}

func (b *Bridge) Handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case CourseGradeChanged:
		return b.HandleCourseGrade(ctx, e)
	case ProblemScoreChanged:
		return b.HandleProblemScore(ctx, e)
	default:
		return fmt.Errorf("%w %T", ErrUnknownEvent, ev)
	}
}

// profileFor returns false when the user never launched through LTI.
func (b *Bridge) profileFor(ctx context.Context, userID string) (profiles.Profile, bool, error) {
	p, err := b.Profiles.GetByUserID(ctx, userID)
	if errors.Is(err, profiles.ErrNotFound) {
		return profiles.Profile{}, false, nil
	}
	if err != nil {
		return profiles.Profile{}, false, err
	}
	return p, true, nil
}

// HandleCourseGrade pushes the course percentage (out of 1.0) to every line
// item the user's profile bound to the course. Pushes are independent: one
// failing does not stop the others.
func (b *Bridge) HandleCourseGrade(ctx context.Context, e CourseGradeChanged) error {
	prof, ok, err := b.profileFor(ctx, e.UserID)
	if err != nil || !ok {
		return err
	}
	resources, err := b.Resources.ListForContext(ctx, prof.ID, e.CourseID)
	if err != nil {
		return fmt.Errorf("list graded resources: %w", err)
	}

	limit := b.Concurrency
	if limit <= 0 {
		limit = 4
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(limit)
	for _, r := range resources {
		g.Go(func() error {
			if err := b.Publisher.Publish(ctx, e.EventID, prof, r, e.Percent, 1.0, LevelCourse); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// HandleProblemScore schedules the problem push and the parent unit
// rollup as two tasks, so each retries on its own.
func (b *Bridge) HandleProblemScore(ctx context.Context, e ProblemScoreChanged) error {
	prof, ok, err := b.profileFor(ctx, e.UserID)
	if err != nil || !ok {
		return err
	}
	if err := b.Queue.Enqueue(ctx, "ags.problem_score", func(ctx context.Context) error {
		return b.pushTo(ctx, e.EventID, prof, e.UsageKey, e.Earned, e.Possible, LevelProblem)
	}); err != nil {
		return err
	}
	return b.Queue.Enqueue(ctx, "ags.unit_rollup", func(ctx context.Context) error {
		return b.pushUnit(ctx, prof, e)
	})
}

// pushUnit recomputes and pushes the rollup of the problem's parent unit.
// No upstream signal exists for unit scores, so any leaf change triggers it.
func (b *Bridge) pushUnit(ctx context.Context, prof profiles.Profile, e ProblemScoreChanged) error {
	unit, err := b.Content.Parent(ctx, e.UsageKey)
	if errors.Is(err, host.ErrBlockNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("parent of %s: %w", e.UsageKey, err)
	}
	earned, possible, err := b.Grades.UnitScore(ctx, e.UserID, unit.UsageKey)
	if err != nil {
		return fmt.Errorf("unit score %s: %w", unit.UsageKey, err)
	}
	return b.pushTo(ctx, e.EventID, prof, unit.UsageKey, earned, possible, LevelUnit)
}

func (b *Bridge) pushTo(ctx context.Context, eventID string, prof profiles.Profile, contextKey string, earned, possible float64, level string) error {
	if possible <= 0 {
		return nil
	}
	resources, err := b.Resources.ListForContext(ctx, prof.ID, contextKey)
	if err != nil {
		return fmt.Errorf("list graded resources: %w", err)
	}
	var errs []error
	for _, r := range resources {
		if err := b.Publisher.Publish(ctx, eventID, prof, r, earned, possible, level); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
