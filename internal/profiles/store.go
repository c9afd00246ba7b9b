// Package profiles maps (issuer, client id, subject) triples to local
// shadow accounts.
package profiles

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-lti-tool/internal/db"
	"github.com/mind-engage/mindengage-lti-tool/internal/host"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

var (
	ErrNotFound          = errors.New("profiles: profile not found")
	ErrUserAlreadyLinked = errors.New("profiles: user already linked to another profile")

	errConflict = errors.New("profiles: concurrent create")
)

const (
	usernamePrefix = "lti."
	emailDomain    = "lti-tool.invalid"
)

type Profile struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	PlatformID string    `json:"platform_id"`
	ClientID   string    `json:"client_id"`
	SubjectID  string    `json:"subject_id"`
	PII        lti.PII   `json:"pii"`
	CreatedAt  time.Time `json:"created_at"`
}

type Store struct {
	DB  *db.DB
	Log logrus.FieldLogger
	Now func() time.Time
}

func NewStore(d *db.DB, log logrus.FieldLogger) *Store {
	return &Store{DB: d, Log: log, Now: time.Now}
}

const profileColumns = `id, user_id, platform_id, client_id, subject_id, pii, created_at`

func (s *Store) Get(ctx context.Context, iss, aud, sub string) (Profile, error) {
	return scanProfile(s.DB.SQL.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM lti_profiles WHERE platform_id=$1 AND client_id=$2 AND subject_id=$3`,
		iss, aud, sub))
}

func (s *Store) GetByUserID(ctx context.Context, userID string) (Profile, error) {
	return scanProfile(s.DB.SQL.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM lti_profiles WHERE user_id=$1`, userID))
}

// GetOrCreate returns the profile of the identity, creating it and its
// shadow account on first sight. Concurrent creators converge on one row.
func (s *Store) GetOrCreate(ctx context.Context, id lti.Identity) (Profile, bool, error) {
	p, err := s.Get(ctx, id.Issuer, id.ClientID, id.Subject)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		// treated as a miss; the unique constraint still protects the create
		s.Log.WithError(err).WithFields(identityFields(id)).Warn("profile lookup failed")
	}
	p, err = s.create(ctx, id, "")
	if errors.Is(err, errConflict) {
		p, err = s.Get(ctx, id.Issuer, id.ClientID, id.Subject)
		return p, false, err
	}
	if err != nil {
		return Profile{}, false, err
	}
	s.Log.WithFields(identityFields(id)).WithField("profile_id", p.ID).Info("LTI profile created")
	return p, true, nil
}

// Link creates the profile of the identity bound to an existing local user.
func (s *Store) Link(ctx context.Context, id lti.Identity, userID string) (Profile, error) {
	p, err := s.create(ctx, id, userID)
	if errors.Is(err, errConflict) {
		p, err = s.Get(ctx, id.Issuer, id.ClientID, id.Subject)
		if err == nil && p.UserID != userID {
			return Profile{}, fmt.Errorf("profiles: identity already bound to another account")
		}
		return p, err
	}
	if err != nil {
		return Profile{}, err
	}
	s.Log.WithFields(identityFields(id)).WithFields(logrus.Fields{"profile_id": p.ID, "user_id": userID}).
		Info("LTI profile linked to existing account")
	return p, nil
}

func (s *Store) create(ctx context.Context, id lti.Identity, linkUserID string) (Profile, error) {
	if id.Issuer == "" || id.ClientID == "" || id.Subject == "" {
		return Profile{}, fmt.Errorf("profiles: incomplete identity (iss=%q, client_id=%q, sub=%q)", id.Issuer, id.ClientID, id.Subject)
	}
	now := s.Now().UTC().Truncate(time.Second)
	pid := uuid.New()
	p := Profile{
		ID:         pid.String(),
		UserID:     linkUserID,
		PlatformID: id.Issuer,
		ClientID:   id.ClientID,
		SubjectID:  id.Subject,
		PII:        nonNilPII(id.PII),
		CreatedAt:  now,
	}
	pii, err := json.Marshal(p.PII)
	if err != nil {
		return Profile{}, err
	}

	err = db.WithTx(ctx, s.DB, nil, func(tx *sql.Tx) error {
		if linkUserID != "" {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lti_profiles WHERE user_id=$1`, linkUserID).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return ErrUserAlreadyLinked
			}
		} else {
			p.UserID = uuid.NewString()
			short := strings.ReplaceAll(pid.String(), "-", "")
			u := host.User{
				ID:       p.UserID,
				Username: usernamePrefix + short,
				Email:    short + "@" + emailDomain,
				IsActive: true,
			}
			if err := host.InsertUser(ctx, tx, u, host.UnusablePassword(), now); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO lti_profiles (`+profileColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (platform_id, client_id, subject_id) DO NOTHING`,
			p.ID, p.UserID, p.PlatformID, p.ClientID, p.SubjectID, string(pii), now.Unix())
		if err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errConflict
		}
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}

// UpdatePII merges pii into the stored PII. Empty input is a no-op.
func (s *Store) UpdatePII(ctx context.Context, profileID string, pii lti.PII) error {
	if len(pii) == 0 {
		return nil
	}
	return db.WithTx(ctx, s.DB, nil, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT pii FROM lti_profiles WHERE id=$1`, profileID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		merged := lti.PII{}
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return fmt.Errorf("decode pii: %w", err)
		}
		for k, v := range pii {
			merged[k] = v
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE lti_profiles SET pii=$2 WHERE id=$1`, profileID, string(b))
		return err
	})
}

// ListForTool returns the profiles created through one registration.
func (s *Store) ListForTool(ctx context.Context, iss, aud string, offset, limit int) ([]Profile, error) {
	rows, err := s.DB.SQL.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM lti_profiles WHERE platform_id=$1 AND client_id=$2
		 ORDER BY created_at, id LIMIT $3 OFFSET $4`, iss, aud, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (Profile, error) {
	var (
		p       Profile
		pii     string
		created int64
	)
	err := row.Scan(&p.ID, &p.UserID, &p.PlatformID, &p.ClientID, &p.SubjectID, &pii, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	p.PII = lti.PII{}
	if err := json.Unmarshal([]byte(pii), &p.PII); err != nil {
		return Profile{}, fmt.Errorf("decode pii: %w", err)
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	return p, nil
}

func nonNilPII(p lti.PII) lti.PII {
	if p == nil {
		return lti.PII{}
	}
	return p
}

func identityFields(id lti.Identity) logrus.Fields {
	return logrus.Fields{"iss": id.Issuer, "client_id": id.ClientID, "sub": id.Subject}
}
