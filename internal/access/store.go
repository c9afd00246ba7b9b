package access

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti-tool/internal/db"
)

var (
	ErrToolNotFound          = errors.New("access: tool not found")
	ErrConfigurationNotFound = errors.New("access: configuration not found")
	ErrDuplicateTool         = errors.New("access: issuer and client id already registered")
)

type Store struct {
	DB  *db.DB
	Now func() time.Time
}

func NewStore(d *db.DB) *Store {
	return &Store{DB: d, Now: time.Now}
}

const toolColumns = `id, title, issuer, client_id, auth_login_url, auth_token_url, key_set_url, deployment_ids, is_active, created_at`

// CreateTool inserts the registration together with its default
// configuration (empty allow-list, new accounts only).
func (s *Store) CreateTool(ctx context.Context, t Tool) (Tool, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.Now().UTC().Truncate(time.Second)
	t.CreatedAt = now
	deployments, err := json.Marshal(nonNil(t.DeploymentIDs))
	if err != nil {
		return Tool{}, err
	}
	err = db.WithTx(ctx, s.DB, nil, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM lti_tools WHERE issuer=$1 AND client_id=$2`, t.Issuer, t.ClientID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateTool
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lti_tools (`+toolColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			t.ID, t.Title, t.Issuer, t.ClientID, t.AuthLoginURL, t.AuthTokenURL, t.KeySetURL,
			string(deployments), t.IsActive, now.Unix()); err != nil {
			return fmt.Errorf("insert tool: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lti_course_access_configurations (id, tool_id, allowed_course_ids, allowed_orgs, user_provisioning_mode, updated_at)
			VALUES ($1, $2, '[]', '[]', $3, $4)`,
			uuid.NewString(), t.ID, string(ModeNewAccountsOnly), now.Unix()); err != nil {
			return fmt.Errorf("insert default configuration: %w", err)
		}
		return nil
	})
	if err != nil {
		return Tool{}, err
	}
	return t, nil
}

func (s *Store) UpdateTool(ctx context.Context, t Tool) error {
	deployments, err := json.Marshal(nonNil(t.DeploymentIDs))
	if err != nil {
		return err
	}
	res, err := s.DB.SQL.ExecContext(ctx, `
		UPDATE lti_tools SET title=$2, issuer=$3, client_id=$4, auth_login_url=$5, auth_token_url=$6,
		       key_set_url=$7, deployment_ids=$8, is_active=$9
		WHERE id=$1`,
		t.ID, t.Title, t.Issuer, t.ClientID, t.AuthLoginURL, t.AuthTokenURL, t.KeySetURL, string(deployments), t.IsActive)
	if err != nil {
		return err
	}
	return expectOne(res, ErrToolNotFound)
}

// DeleteTool removes the registration; its configuration cascades.
func (s *Store) DeleteTool(ctx context.Context, id string) error {
	res, err := s.DB.SQL.ExecContext(ctx, `DELETE FROM lti_tools WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrToolNotFound)
}

func (s *Store) GetTool(ctx context.Context, id string) (Tool, error) {
	row := s.DB.SQL.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM lti_tools WHERE id=$1`, id)
	return scanTool(row)
}

// FindTool looks up an active registration by issuer and client id.
func (s *Store) FindTool(ctx context.Context, issuer, clientID string) (Tool, error) {
	row := s.DB.SQL.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM lti_tools WHERE issuer=$1 AND client_id=$2 AND is_active=$3`,
		issuer, clientID, true)
	return scanTool(row)
}

// FindToolsByIssuer returns the active registrations of an issuer, used when
// a login request carries no client_id.
func (s *Store) FindToolsByIssuer(ctx context.Context, issuer string) ([]Tool, error) {
	rows, err := s.DB.SQL.QueryContext(ctx,
		`SELECT `+toolColumns+` FROM lti_tools WHERE issuer=$1 AND is_active=$2 ORDER BY created_at`, issuer, true)
	if err != nil {
		return nil, err
	}
	return collectTools(rows)
}

func (s *Store) ListTools(ctx context.Context, offset, limit int) ([]Tool, error) {
	rows, err := s.DB.SQL.QueryContext(ctx,
		`SELECT `+toolColumns+` FROM lti_tools ORDER BY created_at, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectTools(rows)
}

func (s *Store) GetConfiguration(ctx context.Context, toolID string) (Configuration, error) {
	var (
		c             Configuration
		courses, orgs string
		mode          string
		updated       int64
	)
	err := s.DB.SQL.QueryRowContext(ctx, `
		SELECT id, tool_id, allowed_course_ids, allowed_orgs, user_provisioning_mode, updated_at
		FROM lti_course_access_configurations WHERE tool_id=$1`, toolID).
		Scan(&c.ID, &c.ToolID, &courses, &orgs, &mode, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Configuration{}, ErrConfigurationNotFound
	}
	if err != nil {
		return Configuration{}, err
	}
	if err := json.Unmarshal([]byte(courses), &c.AllowedCourseIDs); err != nil {
		return Configuration{}, fmt.Errorf("decode allowed_course_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(orgs), &c.AllowedOrgs); err != nil {
		return Configuration{}, fmt.Errorf("decode allowed_orgs: %w", err)
	}
	c.ProvisioningMode = ProvisioningMode(mode)
	c.UpdatedAt = time.Unix(updated, 0).UTC()
	return c, nil
}

func (s *Store) UpdateConfiguration(ctx context.Context, c Configuration) error {
	courses, err := json.Marshal(nonNil(c.AllowedCourseIDs))
	if err != nil {
		return err
	}
	orgs, err := json.Marshal(nonNil(c.AllowedOrgs))
	if err != nil {
		return err
	}
	if c.ProvisioningMode == "" {
		c.ProvisioningMode = ModeNewAccountsOnly
	}
	res, err := s.DB.SQL.ExecContext(ctx, `
		UPDATE lti_course_access_configurations
		SET allowed_course_ids=$2, allowed_orgs=$3, user_provisioning_mode=$4, updated_at=$5
		WHERE tool_id=$1`,
		c.ToolID, string(courses), string(orgs), string(c.ProvisioningMode), s.Now().UTC().Unix())
	if err != nil {
		return err
	}
	return expectOne(res, ErrConfigurationNotFound)
}

// ConfigurationFor resolves the registration and its configuration for a launch.
func (s *Store) ConfigurationFor(ctx context.Context, issuer, clientID string) (Tool, Configuration, error) {
	t, err := s.FindTool(ctx, issuer, clientID)
	if err != nil {
		return Tool{}, Configuration{}, err
	}
	c, err := s.GetConfiguration(ctx, t.ID)
	if err != nil {
		return t, Configuration{}, err
	}
	return t, c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(row rowScanner) (Tool, error) {
	var (
		t           Tool
		deployments string
		created     int64
	)
	err := row.Scan(&t.ID, &t.Title, &t.Issuer, &t.ClientID, &t.AuthLoginURL, &t.AuthTokenURL,
		&t.KeySetURL, &deployments, &t.IsActive, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Tool{}, ErrToolNotFound
	}
	if err != nil {
		return Tool{}, err
	}
	if err := json.Unmarshal([]byte(deployments), &t.DeploymentIDs); err != nil {
		return Tool{}, fmt.Errorf("decode deployment_ids: %w", err)
	}
	t.CreatedAt = time.Unix(created, 0).UTC()
	return t, nil
}

func collectTools(rows *sql.Rows) ([]Tool, error) {
	defer rows.Close()
	var out []Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
