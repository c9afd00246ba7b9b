package access_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/internal/access"
	"github.com/mind-engage/mindengage-lti-tool/internal/db/dbtest"
)

func newTool() access.Tool {
	return access.Tool{
		Title:         "Canvas",
		Issuer:        "https://canvas.example",
		ClientID:      "10000000001",
		AuthLoginURL:  "https://canvas.example/api/lti/authorize_redirect",
		AuthTokenURL:  "https://canvas.example/login/oauth2/token",
		KeySetURL:     "https://canvas.example/api/lti/security/jwks",
		DeploymentIDs: []string{"dep-1"},
		IsActive:      true,
	}
}

func TestCreateToolCreatesDefaultConfiguration(t *testing.T) {
	ctx := context.Background()
	s := access.NewStore(dbtest.Open(t))

	tool, err := s.CreateTool(ctx, newTool())
	require.NoError(t, err)
	require.NotEmpty(t, tool.ID)

	cfg, err := s.GetConfiguration(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(t, tool.ID, cfg.ToolID)
	assert.Empty(t, cfg.AllowedCourseIDs)
	assert.Equal(t, access.ModeNewAccountsOnly, cfg.ProvisioningMode)

	got, cfg2, err := s.ConfigurationFor(ctx, tool.Issuer, tool.ClientID)
	require.NoError(t, err)
	assert.Equal(t, []string{"dep-1"}, got.DeploymentIDs)
	assert.Equal(t, cfg.ID, cfg2.ID)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	ctx := context.Background()
	s := access.NewStore(dbtest.Open(t))

	_, err := s.CreateTool(ctx, newTool())
	require.NoError(t, err)
	_, err = s.CreateTool(ctx, newTool())
	assert.ErrorIs(t, err, access.ErrDuplicateTool)
}

func TestUpdateConfigurationAndDeleteCascade(t *testing.T) {
	ctx := context.Background()
	s := access.NewStore(dbtest.Open(t))
	tool, err := s.CreateTool(ctx, newTool())
	require.NoError(t, err)

	err = s.UpdateConfiguration(ctx, access.Configuration{
		ToolID:           tool.ID,
		AllowedCourseIDs: []string{"course-v1:a+b+c"},
		ProvisioningMode: access.ModeExistingAndNewAccounts,
	})
	require.NoError(t, err)

	cfg, err := s.GetConfiguration(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"course-v1:a+b+c"}, cfg.AllowedCourseIDs)
	assert.Equal(t, access.ModeExistingAndNewAccounts, cfg.ProvisioningMode)

	require.NoError(t, s.DeleteTool(ctx, tool.ID))
	_, err = s.GetConfiguration(ctx, tool.ID)
	assert.ErrorIs(t, err, access.ErrConfigurationNotFound)
	assert.ErrorIs(t, s.DeleteTool(ctx, tool.ID), access.ErrToolNotFound)
}

func TestFindToolIgnoresInactive(t *testing.T) {
	ctx := context.Background()
	s := access.NewStore(dbtest.Open(t))
	tool := newTool()
	tool.IsActive = false
	_, err := s.CreateTool(ctx, tool)
	require.NoError(t, err)

	_, err = s.FindTool(ctx, tool.Issuer, tool.ClientID)
	assert.ErrorIs(t, err, access.ErrToolNotFound)
}
