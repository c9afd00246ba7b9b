package host_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/internal/db/dbtest"
	"github.com/mind-engage/mindengage-lti-tool/internal/host"
)

const (
	courseID = "course-v1:edX+DemoX+2024"
	unitKey  = "block-v1:edX+DemoX+2024+type@vertical+block@u1"
	p1Key    = "block-v1:edX+DemoX+2024+type@problem+block@p1"
	p2Key    = "block-v1:edX+DemoX+2024+type@problem+block@p2"
)

func seed(t *testing.T) (*host.SQL, host.User) {
	t.Helper()
	ctx := context.Background()
	s := host.NewSQL(dbtest.Open(t))
	require.NoError(t, s.CreateCourse(ctx, host.Course{ID: courseID, Org: "edX", Title: "Demo"}, true))
	require.NoError(t, s.AddBlock(ctx, host.Block{UsageKey: unitKey, CourseID: courseID, Type: "vertical"}))
	require.NoError(t, s.AddBlock(ctx, host.Block{UsageKey: p1Key, CourseID: courseID, Type: "problem", ParentKey: unitKey}))
	require.NoError(t, s.AddBlock(ctx, host.Block{UsageKey: p2Key, CourseID: courseID, Type: "problem", ParentKey: unitKey}))
	u, err := s.CreateUser(ctx, "jane", "jane@example.com", "s3cret")
	require.NoError(t, err)
	return s, u
}

func TestEnrollIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, u := seed(t)

	require.NoError(t, s.Enroll(ctx, u.ID, courseID, true))
	require.NoError(t, s.Enroll(ctx, u.ID, courseID, true))

	e, err := s.GetEnrollment(ctx, u.ID, courseID)
	require.NoError(t, err)
	assert.True(t, e.IsActive)
}

func TestEnrollChecksCourse(t *testing.T) {
	ctx := context.Background()
	s, u := seed(t)

	assert.ErrorIs(t, s.Enroll(ctx, u.ID, "course-v1:x+y+z", true), host.ErrCourseNotFound)

	require.NoError(t, s.CreateCourse(ctx, host.Course{ID: "course-v1:edX+Closed+1", Org: "edX"}, false))
	assert.ErrorIs(t, s.Enroll(ctx, u.ID, "course-v1:edX+Closed+1", true), host.ErrEnrollmentClosed)

	_, err := s.GetEnrollment(ctx, u.ID, "course-v1:edX+Closed+1")
	assert.ErrorIs(t, err, host.ErrNotEnrolled)
}

func TestParentAndUnitScore(t *testing.T) {
	ctx := context.Background()
	s, u := seed(t)

	parent, err := s.Parent(ctx, p1Key)
	require.NoError(t, err)
	assert.Equal(t, unitKey, parent.UsageKey)
	assert.Equal(t, "vertical", parent.Type)

	require.NoError(t, s.RecordScore(ctx, u.ID, p1Key, 1, 2))
	require.NoError(t, s.RecordScore(ctx, u.ID, p2Key, 3, 4))
	require.NoError(t, s.RecordScore(ctx, u.ID, p2Key, 4, 4))

	earned, possible, err := s.UnitScore(ctx, u.ID, unitKey)
	require.NoError(t, err)
	assert.Equal(t, 5.0, earned)
	assert.Equal(t, 6.0, possible)
}

func TestListCoursesFilters(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t)
	require.NoError(t, s.CreateCourse(ctx, host.Course{ID: "course-v1:MIT+A+1", Org: "MIT"}, true))
	require.NoError(t, s.CreateCourse(ctx, host.Course{ID: "course-v1:MIT+B+1", Org: "MIT"}, true))

	all, total, err := s.ListCourses(ctx, host.CourseQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, all, 2)

	mit, total, err := s.ListCourses(ctx, host.CourseQuery{Orgs: []string{"MIT"}, IDs: []string{"course-v1:MIT+B+1"}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "course-v1:MIT+B+1", mit[0].ID)
}

func TestCheckPassword(t *testing.T) {
	ctx := context.Background()
	s, u := seed(t)

	got, err := s.CheckPassword(ctx, "jane", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.CheckPassword(ctx, "jane", "wrong")
	assert.ErrorIs(t, err, host.ErrBadCredentials)
	_, err = s.CheckPassword(ctx, "nobody", "x")
	assert.ErrorIs(t, err, host.ErrBadCredentials)
}
