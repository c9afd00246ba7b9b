// Package middleware holds the tool-wide request gates.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-lti-tool/internal/profiles"
)

// RequireEnabled answers 404 on every route while the tool is switched off.
func RequireEnabled(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
}

type SessionUser interface {
	CurrentUserID(r *http.Request) (string, bool)
}

type ProfileLookup interface {
	GetByUserID(ctx context.Context, userID string) (profiles.Profile, error)
}

// CompilePatterns compiles the allowed path regexes.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allowed url pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// ProfileOrLoggedOut keeps sessions that belong to an LTI profile inside
// the allowed paths. Anonymous users and local accounts pass through.
func ProfileOrLoggedOut(sessions SessionUser, profs ProfileLookup, allowed []*regexp.Regexp, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := sessions.CurrentUserID(r)
			if !ok || matchAny(allowed, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			_, err := profs.GetByUserID(r.Context(), userID)
			switch {
			case errors.Is(err, profiles.ErrNotFound):
				next.ServeHTTP(w, r)
			case err != nil:
				log.WithError(err).WithField("user_id", userID).Error("profile lookup failed")
				http.Error(w, "forbidden", http.StatusForbidden)
			default:
				log.WithFields(logrus.Fields{"user_id": userID, "path": r.URL.Path}).
					Debug("LTI profile user blocked outside allowed paths")
				http.Error(w, "forbidden", http.StatusForbidden)
			}
		})
	}
}

func matchAny(res []*regexp.Regexp, path string) bool {
	for _, re := range res {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
