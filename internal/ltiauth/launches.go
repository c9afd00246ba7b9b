package ltiauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

const (
	launchKeyPrefix = "lti1p3-launch-"
	resumeKeyPrefix = "lti1p3-resume-"
)

var (
	ErrLaunchNotFound = errors.New("ltiauth: launch data not found or expired")
	ErrResumeToken    = errors.New("ltiauth: resume token mismatch")
)

// LaunchStore keeps verified messages under opaque launch ids so a launch
// can be resumed (login prompt, deep linking form) without re-verification.
type LaunchStore struct {
	Cache Cache
	TTL   time.Duration
	Now   func() time.Time
}

func NewLaunchStore(c Cache, ttl time.Duration) *LaunchStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LaunchStore{Cache: c, TTL: ttl, Now: time.Now}
}

// newID takes fresh entropy per id. Launch ids authorize the deep linking
// API and must not be derivable from a neighbouring id.
func (s *LaunchStore) newID() string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return ulid.MustNew(ulid.Timestamp(now()), rand.Reader).String()
}

// Save stores claims and returns the message with its new launch id.
func (s *LaunchStore) Save(ctx context.Context, claims lti.Claims) (*lti.Message, error) {
	b, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("encode launch: %w", err)
	}
	id := s.newID()
	if err := s.Cache.Set(ctx, launchKeyPrefix+id, b, s.TTL); err != nil {
		return nil, fmt.Errorf("cache launch: %w", err)
	}
	return &lti.Message{LaunchID: id, Claims: claims}, nil
}

func (s *LaunchStore) Load(ctx context.Context, launchID string) (*lti.Message, error) {
	if _, err := ulid.ParseStrict(launchID); err != nil {
		return nil, ErrLaunchNotFound
	}
	b, err := s.Cache.Get(ctx, launchKeyPrefix+launchID)
	if errors.Is(err, ErrCacheMiss) {
		return nil, ErrLaunchNotFound
	}
	if err != nil {
		return nil, err
	}
	var claims lti.Claims
	if err := json.Unmarshal(b, &claims); err != nil {
		return nil, fmt.Errorf("decode launch: %w", err)
	}
	return &lti.Message{LaunchID: launchID, Claims: claims}, nil
}

// IssueResumeToken binds a paused launch to one browser form. Each call
// replaces the previous token.
func (s *LaunchStore) IssueResumeToken(ctx context.Context, launchID string) (string, error) {
	tok := randHex(16)
	if err := s.Cache.Set(ctx, resumeKeyPrefix+launchID, []byte(tok), s.TTL); err != nil {
		return "", fmt.Errorf("cache resume token: %w", err)
	}
	return tok, nil
}

// CheckResumeToken reports whether token is the one last issued for launchID.
func (s *LaunchStore) CheckResumeToken(ctx context.Context, launchID, token string) error {
	want, err := s.Cache.Get(ctx, resumeKeyPrefix+launchID)
	if errors.Is(err, ErrCacheMiss) {
		return ErrLaunchNotFound
	}
	if err != nil {
		return err
	}
	if token == "" || subtle.ConstantTimeCompare(want, []byte(token)) != 1 {
		return ErrResumeToken
	}
	return nil
}
