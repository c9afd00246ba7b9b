package access_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/internal/access"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

type fakeSource struct {
	cfg access.Configuration
	err error
}

func (f fakeSource) ConfigurationFor(context.Context, string, string) (access.Tool, access.Configuration, error) {
	return access.Tool{}, f.cfg, f.err
}

func checker(enabled bool, src fakeSource) *access.Checker {
	return &access.Checker{Enabled: enabled, Source: src, Log: logrus.New()}
}

func TestCheckDisabledIsNoop(t *testing.T) {
	c := checker(false, fakeSource{err: access.ErrToolNotFound})
	assert.NoError(t, c.Check(context.Background(), "course-v1:a+b+c", "iss", "cid"))
}

func TestCheckFailsClosedWithoutConfiguration(t *testing.T) {
	for _, err := range []error{access.ErrToolNotFound, access.ErrConfigurationNotFound, errors.New("db down")} {
		c := checker(true, fakeSource{err: err})
		got := c.Check(context.Background(), "course-v1:a+b+c", "iss", "cid")

		var le *lti.LaunchError
		require.ErrorAs(t, got, &le)
		assert.Equal(t, lti.KindAuthorization, le.Kind)
	}
}

func TestCheckAllowList(t *testing.T) {
	ctx := context.Background()

	open := checker(true, fakeSource{cfg: access.Configuration{}})
	assert.NoError(t, open.Check(ctx, "course-v1:any+thing+here", "iss", "cid"))

	listed := checker(true, fakeSource{cfg: access.Configuration{AllowedCourseIDs: []string{"course-v1:a+b+c"}}})
	assert.NoError(t, listed.Check(ctx, "course-v1:a+b+c", "iss", "cid"))

	err := listed.Check(ctx, "course-v1:a+b+d", "iss", "cid")
	var le *lti.LaunchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "Course ID course-v1:a+b+d is not allowed.", le.Reason)
}
