package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("LTI_PII_CAPTURE", "")
	t.Setenv("AGS_WORKERS", "")

	cfg := FromEnv()

	assert.True(t, cfg.Features.ToolEnabled)
	assert.False(t, cfg.Features.CapturePII)
	assert.True(t, cfg.Features.CourseAccessConfiguration)
	assert.False(t, cfg.Features.CompleteCourseLaunch)
	assert.Equal(t, 4, cfg.AGSWorkers)
	assert.Equal(t, time.Hour, cfg.LaunchCacheTTL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ENABLE_LTI_TOOL", "no")
	t.Setenv("LTI_PII_CAPTURE", "1")
	t.Setenv("PUBLIC_URL", "https://tool.example/")
	t.Setenv("LTI_ALLOWED_URL_PATTERNS", " ^/a , ,^/b ")
	t.Setenv("LAUNCH_CACHE_TTL", "90s")
	t.Setenv("AGS_PUSH_RATE", "2.5")

	cfg := FromEnv()

	assert.False(t, cfg.Features.ToolEnabled)
	assert.True(t, cfg.Features.CapturePII)
	assert.Equal(t, "https://tool.example", cfg.PublicURL)
	assert.Equal(t, []string{"^/a", "^/b"}, cfg.AllowedURLPatterns)
	assert.Equal(t, 90*time.Second, cfg.LaunchCacheTTL)
	assert.Equal(t, 2.5, cfg.AGSPushRate)
}

func TestFromEnvKeysAndTimeouts(t *testing.T) {
	t.Setenv("TOOL_PRIVATE_KEY_FILE", "/etc/ltitool/key.pem")
	t.Setenv("AGS_TIMEOUT", "3s")
	t.Setenv("SECURE_COOKIES", "true")

	cfg := FromEnv()

	assert.Equal(t, "/etc/ltitool/key.pem", cfg.ToolPrivateKeyFile)
	assert.Equal(t, 3*time.Second, cfg.AGSTimeout)
	assert.True(t, cfg.SecureCookies)
}
