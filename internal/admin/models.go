package admin

import "github.com/mind-engage/mindengage-lti-tool/internal/access"

type ToolReq struct {
	Title         string   `json:"title"`
	Issuer        string   `json:"issuer"`
	ClientID      string   `json:"client_id"`
	AuthLoginURL  string   `json:"auth_login_url"`
	AuthTokenURL  string   `json:"auth_token_url"`
	KeySetURL     string   `json:"key_set_url"`
	DeploymentIDs []string `json:"deployment_ids"`
	IsActive      *bool    `json:"is_active"`
}

type ConfigurationReq struct {
	AllowedCourseIDs []string                `json:"allowed_course_ids"`
	AllowedOrgs      []string                `json:"allowed_orgs"`
	ProvisioningMode access.ProvisioningMode `json:"user_provisioning_mode"`
}
