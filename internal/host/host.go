// Package host defines what the tool needs from the hosting learning
// platform (accounts, enrollment, course content, grades) and ships a SQL
// implementation of it.
package host

import (
	"context"
	"errors"
)

var (
	ErrUserNotFound     = errors.New("host: user not found")
	ErrCourseNotFound   = errors.New("host: course not found")
	ErrEnrollmentClosed = errors.New("host: enrollment closed")
	ErrNotEnrolled      = errors.New("host: not enrolled")
	ErrBlockNotFound    = errors.New("host: block not found")
	ErrBadCredentials   = errors.New("host: invalid credentials")
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
}

type Users interface {
	GetUser(ctx context.Context, id string) (User, error)
}

type Enrollment struct {
	UserID   string
	CourseID string
	Mode     string
	IsActive bool
}

type Enroller interface {
	GetEnrollment(ctx context.Context, userID, courseID string) (Enrollment, error)
	// Enroll creates or reactivates an enrollment. With checkAccess the
	// course must exist and be open for enrollment.
	Enroll(ctx context.Context, userID, courseID string, checkAccess bool) error
}

// Block is one node of a course outline.
type Block struct {
	UsageKey    string
	CourseID    string
	Type        string
	ParentKey   string
	DisplayName string
}

type ContentStore interface {
	GetBlock(ctx context.Context, usageKey string) (Block, error)
	Parent(ctx context.Context, usageKey string) (Block, error)
}

type Course struct {
	ID    string `json:"id"`
	Org   string `json:"org"`
	Title string `json:"title"`
}

// CourseQuery filters a catalog listing. Empty filters match everything.
type CourseQuery struct {
	Orgs   []string
	IDs    []string
	Offset int
	Limit  int
}

type CourseCatalog interface {
	ListCourses(ctx context.Context, q CourseQuery) (courses []Course, total int, err error)
}

type GradeReader interface {
	// UnitScore aggregates the scores of the problems under a unit.
	UnitScore(ctx context.Context, userID, unitKey string) (earned, possible float64, err error)
}
