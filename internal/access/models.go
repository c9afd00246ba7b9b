// Package access stores LTI tool registrations with their course access
// configuration and decides whether a launch may reach a course.
package access

import (
	"time"
)

// ProvisioningMode controls how a launch without a profile obtains a local account.
type ProvisioningMode string

const (
	// ModeNewAccountsOnly always provisions a shadow account.
	ModeNewAccountsOnly ProvisioningMode = "new_accounts_only"
	// ModeExistingAndNewAccounts lets the user link the local account they are
	// logged into or create a shadow account.
	ModeExistingAndNewAccounts ProvisioningMode = "existing_and_new_accounts"
	// ModeExistingAccountsOnly requires linking an existing local account.
	ModeExistingAccountsOnly ProvisioningMode = "existing_accounts_only"
)

func (m ProvisioningMode) Valid() bool {
	switch m {
	case ModeNewAccountsOnly, ModeExistingAndNewAccounts, ModeExistingAccountsOnly:
		return true
	}
	return false
}

// Tool is a platform registration: the issuer/client pair this tool trusts.
type Tool struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Issuer        string    `json:"issuer"`
	ClientID      string    `json:"client_id"`
	AuthLoginURL  string    `json:"auth_login_url"`
	AuthTokenURL  string    `json:"auth_token_url"`
	KeySetURL     string    `json:"key_set_url"`
	DeploymentIDs []string  `json:"deployment_ids"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasDeployment reports whether id is a known deployment. A tool with no
// deployments listed accepts any.
func (t Tool) HasDeployment(id string) bool {
	if len(t.DeploymentIDs) == 0 {
		return true
	}
	for _, d := range t.DeploymentIDs {
		if d == id {
			return true
		}
	}
	return false
}

// Configuration is the one-per-tool course access configuration.
type Configuration struct {
	ID               string           `json:"id"`
	ToolID           string           `json:"tool_id"`
	AllowedCourseIDs []string         `json:"allowed_course_ids"`
	AllowedOrgs      []string         `json:"allowed_orgs"`
	ProvisioningMode ProvisioningMode `json:"user_provisioning_mode"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// IsCourseAllowed reports whether courseID is on the allow-list.
// An empty list allows every course.
func (c Configuration) IsCourseAllowed(courseID string) bool {
	if len(c.AllowedCourseIDs) == 0 {
		return true
	}
	for _, id := range c.AllowedCourseIDs {
		if id == courseID {
			return true
		}
	}
	return false
}

// IsOrgVisible reports whether courses of org are visible to this registration.
func (c Configuration) IsOrgVisible(org string) bool {
	if len(c.AllowedOrgs) == 0 {
		return true
	}
	for _, o := range c.AllowedOrgs {
		if o == org {
			return true
		}
	}
	return false
}
