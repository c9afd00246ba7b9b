package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Features are the switches each component receives at construction.
type Features struct {
	// ToolEnabled turns every LTI route on or off.
	ToolEnabled bool
	// CapturePII copies email, names and locale from launch messages into profiles.
	CapturePII bool
	// CourseAccessConfiguration enforces per-registration course allow-lists.
	CourseAccessConfiguration bool
	// CompleteCourseLaunch allows launching a whole course instead of a unit.
	CompleteCourseLaunch bool
}

type Config struct {
	HTTPAddr   string
	PublicURL  string // base URL of this tool, used for launch and JWKS URLs
	LMSBaseURL string // base URL of the host platform, used for launch redirects

	DBDriver string
	DBDSN    string

	RedisAddr      string // empty keeps the launch cache in process
	RedisPassword  string
	LaunchCacheTTL time.Duration

	SessionSecret     string
	SessionCookieName string
	SessionTTL        time.Duration
	AdminToken        string

	LogLevel  string
	LogFormat string

	Features Features

	// AllowedURLPatterns are the path regexes an LTI profile user may reach.
	AllowedURLPatterns []string
	CORSOrigins        []string

	AGSWorkers    int
	AGSMaxRetries int
	AGSPushRate   float64
	AGSTimeout    time.Duration

	DeepLinkingPageSizeMax int
	// ToolPrivateKeyFile seeds the signing key from a PEM file; empty generates keys.
	ToolPrivateKeyFile     string
	KeyRotateEvery         time.Duration

	// SecureCookies marks session and state cookies Secure with SameSite=None.
	SecureCookies bool
}

func FromEnv() Config {
	return Config{
		HTTPAddr:   envOr("HTTP_ADDR", ":8090"),
		PublicURL:  strings.TrimRight(envOr("PUBLIC_URL", "http://localhost:8090"), "/"),
		LMSBaseURL: strings.TrimRight(envOr("LMS_BASE_URL", "http://localhost:8000"), "/"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		RedisAddr:      envOr("REDIS_ADDR", ""),
		RedisPassword:  envOr("REDIS_PASSWORD", ""),
		LaunchCacheTTL: envDuration("LAUNCH_CACHE_TTL", time.Hour),

		SessionSecret:     envOr("SESSION_SECRET", "dev-secret-change-me"),
		SessionCookieName: envOr("SESSION_COOKIE_NAME", "ltitool_session"),
		SessionTTL:        envDuration("SESSION_TTL", 8*time.Hour),
		AdminToken:        envOr("ADMIN_TOKEN", ""),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),

		Features: Features{
			ToolEnabled:               envBool("ENABLE_LTI_TOOL", true),
			CapturePII:                envBool("LTI_PII_CAPTURE", false),
			CourseAccessConfiguration: envBool("LTI_COURSE_ACCESS_CONFIGURATION", true),
			CompleteCourseLaunch:      envBool("LTI_COMPLETE_COURSE_LAUNCH", false),
		},

		AllowedURLPatterns: csvOr("LTI_ALLOWED_URL_PATTERNS", `^/courses/,^/xblock/,^/logout$`),
		CORSOrigins:        csvOr("CORS_ORIGINS", "http://localhost:8000"),

		AGSWorkers:    envInt("AGS_WORKERS", 4),
		AGSMaxRetries: envInt("AGS_MAX_RETRIES", 5),
		AGSPushRate:   envFloat("AGS_PUSH_RATE", 20),
		AGSTimeout:    envDuration("AGS_TIMEOUT", 15*time.Second),

		DeepLinkingPageSizeMax: envInt("DL_PAGE_SIZE_MAX", 100),
		ToolPrivateKeyFile:     envOr("TOOL_PRIVATE_KEY_FILE", ""),
		KeyRotateEvery:         envDuration("KEY_ROTATE_EVERY", 30*24*time.Hour),
		SecureCookies:          envBool("SECURE_COOKIES", false),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(k), 64); err == nil {
		return f
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(k)); err == nil {
		return d
	}
	return def
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
