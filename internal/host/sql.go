package host

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-lti-tool/internal/db"
)

// SQL implements every host interface over the tool database.
type SQL struct {
	DB  *db.DB
	Now func() time.Time
}

func NewSQL(d *db.DB) *SQL { return &SQL{DB: d, Now: time.Now} }

func (s *SQL) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// ---- enrollment ----

func (s *SQL) GetEnrollment(ctx context.Context, userID, courseID string) (Enrollment, error) {
	e := Enrollment{UserID: userID, CourseID: courseID}
	err := s.DB.SQL.QueryRowContext(ctx,
		`SELECT mode, is_active FROM enrollments WHERE user_id=$1 AND course_id=$2`, userID, courseID).
		Scan(&e.Mode, &e.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return Enrollment{}, ErrNotEnrolled
	}
	return e, err
}

func (s *SQL) Enroll(ctx context.Context, userID, courseID string, checkAccess bool) error {
	if checkAccess {
		var open bool
		err := s.DB.SQL.QueryRowContext(ctx, `SELECT enrollment_open FROM courses WHERE id=$1`, courseID).Scan(&open)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrCourseNotFound, courseID)
		}
		if err != nil {
			return err
		}
		if !open {
			return fmt.Errorf("%w: %s", ErrEnrollmentClosed, courseID)
		}
	}
	_, err := s.DB.SQL.ExecContext(ctx, `
		INSERT INTO enrollments (user_id, course_id, mode, is_active, created_at)
		VALUES ($1, $2, 'audit', $3, $4)
		ON CONFLICT (user_id, course_id) DO UPDATE SET is_active = excluded.is_active`,
		userID, courseID, true, s.now().Unix())
	return err
}

// ---- courses and content ----

func (s *SQL) CreateCourse(ctx context.Context, c Course, enrollmentOpen bool) error {
	_, err := s.DB.SQL.ExecContext(ctx,
		`INSERT INTO courses (id, org, title, enrollment_open, created_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Org, c.Title, enrollmentOpen, s.now().Unix())
	return err
}

func (s *SQL) AddBlock(ctx context.Context, b Block) error {
	_, err := s.DB.SQL.ExecContext(ctx,
		`INSERT INTO course_blocks (usage_key, course_id, block_type, parent_key, display_name) VALUES ($1, $2, $3, $4, $5)`,
		b.UsageKey, b.CourseID, b.Type, b.ParentKey, b.DisplayName)
	return err
}

func (s *SQL) GetBlock(ctx context.Context, usageKey string) (Block, error) {
	b := Block{UsageKey: usageKey}
	err := s.DB.SQL.QueryRowContext(ctx,
		`SELECT course_id, block_type, parent_key, display_name FROM course_blocks WHERE usage_key=$1`, usageKey).
		Scan(&b.CourseID, &b.Type, &b.ParentKey, &b.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return Block{}, fmt.Errorf("%w: %s", ErrBlockNotFound, usageKey)
	}
	return b, err
}

func (s *SQL) Parent(ctx context.Context, usageKey string) (Block, error) {
	b, err := s.GetBlock(ctx, usageKey)
	if err != nil {
		return Block{}, err
	}
	if b.ParentKey == "" {
		return Block{}, fmt.Errorf("%w: %s has no parent", ErrBlockNotFound, usageKey)
	}
	return s.GetBlock(ctx, b.ParentKey)
}

func (s *SQL) ListCourses(ctx context.Context, q CourseQuery) ([]Course, int, error) {
	var (
		where []string
		args  []any
	)
	in := func(col string, vals []string) {
		if len(vals) == 0 {
			return
		}
		ph := make([]string, len(vals))
		for i, v := range vals {
			args = append(args, v)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, col+" IN ("+strings.Join(ph, ", ")+")")
	}
	in("org", q.Orgs)
	in("id", q.IDs)

	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.DB.SQL.QueryRowContext(ctx, `SELECT COUNT(*) FROM courses`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	pageArgs := append(append([]any{}, args...), limit, q.Offset)
	rows, err := s.DB.SQL.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, org, title FROM courses%s ORDER BY id LIMIT $%d OFFSET $%d`, cond, len(args)+1, len(args)+2),
		pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := []Course{}
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.Org, &c.Title); err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// ---- grades ----

// RecordScore stores the latest score of a problem for a user.
func (s *SQL) RecordScore(ctx context.Context, userID, usageKey string, earned, possible float64) error {
	_, err := s.DB.SQL.ExecContext(ctx, `
		INSERT INTO block_scores (user_id, usage_key, earned, possible, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, usage_key) DO UPDATE
		SET earned = excluded.earned, possible = excluded.possible, updated_at = excluded.updated_at`,
		userID, usageKey, earned, possible, s.now().Unix())
	return err
}

func (s *SQL) UnitScore(ctx context.Context, userID, unitKey string) (float64, float64, error) {
	var earned, possible float64
	err := s.DB.SQL.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(bs.earned), 0), COALESCE(SUM(bs.possible), 0)
		FROM course_blocks cb
		JOIN block_scores bs ON bs.usage_key = cb.usage_key AND bs.user_id = $1
		WHERE cb.parent_key = $2`, userID, unitKey).Scan(&earned, &possible)
	return earned, possible, err
}
