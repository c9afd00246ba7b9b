package access

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

// ConfigurationSource resolves the configuration for an issuer/client pair.
type ConfigurationSource interface {
	ConfigurationFor(ctx context.Context, issuer, clientID string) (Tool, Configuration, error)
}

// Checker enforces course allow-lists for launches.
type Checker struct {
	// Enabled mirrors the course access configuration switch. When false
	// every course is reachable.
	Enabled bool
	Source  ConfigurationSource
	Log     logrus.FieldLogger
}

// Check fails closed: a registration without configuration is denied.
func (c *Checker) Check(ctx context.Context, courseID, issuer, clientID string) error {
	if !c.Enabled {
		return nil
	}
	_, cfg, err := c.Source.ConfigurationFor(ctx, issuer, clientID)
	switch {
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrConfigurationNotFound):
		return lti.Errorf(lti.KindAuthorization, "Course access configuration for this LTI tool not found.")
	case err != nil:
		c.Log.WithError(err).WithFields(logrus.Fields{"iss": issuer, "client_id": clientID}).
			Error("course access configuration lookup failed")
		return lti.Wrap(lti.KindAuthorization, err, "Course access configuration lookup failed.")
	}
	if !cfg.IsCourseAllowed(courseID) {
		return lti.Errorf(lti.KindAuthorization, "Course ID %s is not allowed.", courseID)
	}
	return nil
}
