package profiles

import (
	"context"
	"errors"
	"fmt"

	"github.com/mind-engage/mindengage-lti-tool/internal/host"
)

var ErrInactiveUser = errors.New("profiles: account is inactive")

// Backend authenticates an LTI identity without credentials: the verified
// launch is the proof, and the account is the one owned by the profile.
type Backend struct {
	Profiles *Store
	Users    host.Users
}

func (b Backend) Authenticate(ctx context.Context, iss, aud, sub string) (host.User, error) {
	p, err := b.Profiles.Get(ctx, iss, aud, sub)
	if err != nil {
		return host.User{}, err
	}
	u, err := b.Users.GetUser(ctx, p.UserID)
	if err != nil {
		return host.User{}, fmt.Errorf("profile %s: %w", p.ID, err)
	}
	if !u.IsActive {
		return host.User{}, ErrInactiveUser
	}
	return u, nil
}
