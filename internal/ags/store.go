package ags

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti-tool/internal/db"
	"github.com/mind-engage/mindengage-lti-tool/internal/opaquekeys"
)

var ErrInvalidResource = errors.New("ags: invalid graded resource")

type Store struct {
	DB  *db.DB
	Now func() time.Time
}

func NewStore(d *db.DB) *Store { return &Store{DB: d, Now: time.Now} }

const resourceColumns = `id, lti_profile_id, context_key, lineitem, created_at`

// GetOrCreate binds (profile, context, line item) once; repeated launches
// return the existing row.
func (s *Store) GetOrCreate(ctx context.Context, profileID, contextKey, lineItem string) (GradedResource, bool, error) {
	if err := validate(contextKey, lineItem); err != nil {
		return GradedResource{}, false, err
	}
	now := s.Now().UTC().Truncate(time.Second)
	r := GradedResource{ID: uuid.NewString(), ProfileID: profileID, ContextKey: contextKey, LineItem: lineItem, CreatedAt: now}
	res, err := s.DB.SQL.ExecContext(ctx, `
		INSERT INTO lti_graded_resources (`+resourceColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lti_profile_id, context_key, lineitem) DO NOTHING`,
		r.ID, r.ProfileID, r.ContextKey, r.LineItem, now.Unix())
	if err != nil {
		return GradedResource{}, false, fmt.Errorf("insert graded resource: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return r, true, nil
	}
	existing, err := s.get(ctx, profileID, contextKey, lineItem)
	return existing, false, err
}

func (s *Store) get(ctx context.Context, profileID, contextKey, lineItem string) (GradedResource, error) {
	rows, err := s.DB.SQL.QueryContext(ctx,
		`SELECT `+resourceColumns+` FROM lti_graded_resources WHERE lti_profile_id=$1 AND context_key=$2 AND lineitem=$3`,
		profileID, contextKey, lineItem)
	if err != nil {
		return GradedResource{}, err
	}
	list, err := collect(rows)
	if err != nil {
		return GradedResource{}, err
	}
	if len(list) == 0 {
		return GradedResource{}, sql.ErrNoRows
	}
	return list[0], nil
}

// ListForContext returns the line items a profile has bound to contextKey.
func (s *Store) ListForContext(ctx context.Context, profileID, contextKey string) ([]GradedResource, error) {
	rows, err := s.DB.SQL.QueryContext(ctx,
		`SELECT `+resourceColumns+` FROM lti_graded_resources WHERE lti_profile_id=$1 AND context_key=$2 ORDER BY created_at, id`,
		profileID, contextKey)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]GradedResource, error) {
	defer rows.Close()
	var out []GradedResource
	for rows.Next() {
		var (
			r       GradedResource
			created int64
		)
		if err := rows.Scan(&r.ID, &r.ProfileID, &r.ContextKey, &r.LineItem, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func validate(contextKey, lineItem string) error {
	if _, err := opaquekeys.ParseKey(contextKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	u, err := url.Parse(lineItem)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: lineitem %q is not an absolute URL", ErrInvalidResource, lineItem)
	}
	return nil
}
