package db

import (
	"context"
	"fmt"
	"strings"
)

// Up applies the idempotent DDL:
//   - tool registrations and their course access configuration
//   - LTI profiles and the shadow user accounts they own
//   - graded resources (AGS bindings)
//   - host tables used by the SQL host adapter (courses, blocks, enrollments, scores)
func Up(ctx context.Context, d *DB) error {
	if d == nil || d.SQL == nil {
		return fmt.Errorf("db: up: nil database")
	}
	var schema string
	switch d.Driver {
	case DriverPostgres:
		schema = schemaPostgres
	case DriverSQLite:
		schema = schemaSQLite
	default:
		return fmt.Errorf("db: up: unsupported driver %q", d.Driver)
	}

	if _, err := d.SQL.ExecContext(ctx, schema); err != nil {
		// some drivers reject multi-statement scripts
		for _, stmt := range splitSQL(schema) {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, e := d.SQL.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("db: up failed at %q: %w", firstLine(stmt), e)
			}
		}
	}
	return nil
}

func splitSQL(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ";") {
		if strings.TrimSpace(p) != "" {
			out = append(out, p+";")
		}
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
  id          TEXT PRIMARY KEY,
  username    TEXT NOT NULL UNIQUE,
  email       TEXT NOT NULL,
  password    TEXT NOT NULL,
  is_active   BOOLEAN NOT NULL DEFAULT TRUE,
  created_at  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_tools (
  id              TEXT PRIMARY KEY,
  title           TEXT NOT NULL DEFAULT '',
  issuer          TEXT NOT NULL,
  client_id       TEXT NOT NULL,
  auth_login_url  TEXT NOT NULL,
  auth_token_url  TEXT NOT NULL,
  key_set_url     TEXT NOT NULL,
  deployment_ids  TEXT NOT NULL DEFAULT '[]',
  is_active       BOOLEAN NOT NULL DEFAULT TRUE,
  created_at      BIGINT NOT NULL,
  UNIQUE (issuer, client_id)
);

CREATE TABLE IF NOT EXISTS lti_course_access_configurations (
  id                      TEXT PRIMARY KEY,
  tool_id                 TEXT NOT NULL UNIQUE REFERENCES lti_tools(id) ON DELETE CASCADE,
  allowed_course_ids      TEXT NOT NULL DEFAULT '[]',
  allowed_orgs            TEXT NOT NULL DEFAULT '[]',
  user_provisioning_mode  TEXT NOT NULL DEFAULT 'new_accounts_only',
  updated_at              BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_profiles (
  id          TEXT PRIMARY KEY,
  user_id     TEXT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
  platform_id TEXT NOT NULL,
  client_id   TEXT NOT NULL,
  subject_id  TEXT NOT NULL,
  pii         TEXT NOT NULL DEFAULT '{}',
  created_at  BIGINT NOT NULL,
  UNIQUE (platform_id, client_id, subject_id)
);

CREATE TABLE IF NOT EXISTS lti_graded_resources (
  id              TEXT PRIMARY KEY,
  lti_profile_id  TEXT NOT NULL REFERENCES lti_profiles(id) ON DELETE CASCADE,
  context_key     TEXT NOT NULL,
  lineitem        TEXT NOT NULL,
  created_at      BIGINT NOT NULL,
  UNIQUE (lti_profile_id, context_key, lineitem)
);
CREATE INDEX IF NOT EXISTS idx_graded_resources_context ON lti_graded_resources(context_key);

CREATE TABLE IF NOT EXISTS courses (
  id               TEXT PRIMARY KEY,
  org              TEXT NOT NULL,
  title            TEXT NOT NULL DEFAULT '',
  enrollment_open  BOOLEAN NOT NULL DEFAULT TRUE,
  created_at       BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS course_blocks (
  usage_key     TEXT PRIMARY KEY,
  course_id     TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
  block_type    TEXT NOT NULL,
  parent_key    TEXT NOT NULL DEFAULT '',
  display_name  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS enrollments (
  user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  course_id   TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
  mode        TEXT NOT NULL DEFAULT 'audit',
  is_active   BOOLEAN NOT NULL DEFAULT TRUE,
  created_at  BIGINT NOT NULL,
  PRIMARY KEY (user_id, course_id)
);

CREATE TABLE IF NOT EXISTS block_scores (
  user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  usage_key   TEXT NOT NULL,
  earned      DOUBLE PRECISION NOT NULL,
  possible    DOUBLE PRECISION NOT NULL,
  updated_at  BIGINT NOT NULL,
  PRIMARY KEY (user_id, usage_key)
);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS users (
  id          TEXT PRIMARY KEY,
  username    TEXT NOT NULL UNIQUE,
  email       TEXT NOT NULL,
  password    TEXT NOT NULL,
  is_active   INTEGER NOT NULL DEFAULT 1,
  created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_tools (
  id              TEXT PRIMARY KEY,
  title           TEXT NOT NULL DEFAULT '',
  issuer          TEXT NOT NULL,
  client_id       TEXT NOT NULL,
  auth_login_url  TEXT NOT NULL,
  auth_token_url  TEXT NOT NULL,
  key_set_url     TEXT NOT NULL,
  deployment_ids  TEXT NOT NULL DEFAULT '[]',
  is_active       INTEGER NOT NULL DEFAULT 1,
  created_at      INTEGER NOT NULL,
  UNIQUE (issuer, client_id)
);

CREATE TABLE IF NOT EXISTS lti_course_access_configurations (
  id                      TEXT PRIMARY KEY,
  tool_id                 TEXT NOT NULL UNIQUE REFERENCES lti_tools(id) ON DELETE CASCADE,
  allowed_course_ids      TEXT NOT NULL DEFAULT '[]',
  allowed_orgs            TEXT NOT NULL DEFAULT '[]',
  user_provisioning_mode  TEXT NOT NULL DEFAULT 'new_accounts_only',
  updated_at              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_profiles (
  id          TEXT PRIMARY KEY,
  user_id     TEXT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
  platform_id TEXT NOT NULL,
  client_id   TEXT NOT NULL,
  subject_id  TEXT NOT NULL,
  pii         TEXT NOT NULL DEFAULT '{}',
  created_at  INTEGER NOT NULL,
  UNIQUE (platform_id, client_id, subject_id)
);

CREATE TABLE IF NOT EXISTS lti_graded_resources (
  id              TEXT PRIMARY KEY,
  lti_profile_id  TEXT NOT NULL REFERENCES lti_profiles(id) ON DELETE CASCADE,
  context_key     TEXT NOT NULL,
  lineitem        TEXT NOT NULL,
  created_at      INTEGER NOT NULL,
  UNIQUE (lti_profile_id, context_key, lineitem)
);
CREATE INDEX IF NOT EXISTS idx_graded_resources_context ON lti_graded_resources(context_key);

CREATE TABLE IF NOT EXISTS courses (
  id               TEXT PRIMARY KEY,
  org              TEXT NOT NULL,
  title            TEXT NOT NULL DEFAULT '',
  enrollment_open  INTEGER NOT NULL DEFAULT 1,
  created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS course_blocks (
  usage_key     TEXT PRIMARY KEY,
  course_id     TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
  block_type    TEXT NOT NULL,
  parent_key    TEXT NOT NULL DEFAULT '',
  display_name  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS enrollments (
  user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  course_id   TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
  mode        TEXT NOT NULL DEFAULT 'audit',
  is_active   INTEGER NOT NULL DEFAULT 1,
  created_at  INTEGER NOT NULL,
  PRIMARY KEY (user_id, course_id)
);

CREATE TABLE IF NOT EXISTS block_scores (
  user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  usage_key   TEXT NOT NULL,
  earned      REAL NOT NULL,
  possible    REAL NOT NULL,
  updated_at  INTEGER NOT NULL,
  PRIMARY KEY (user_id, usage_key)
);
`
