// Package lti holds the LTI 1.3 vocabulary shared by the tool: claim names,
// message types, the verified launch message and the identity resolver.
package lti

import (
	"strings"
)

// Claim URIs (LTI Core 1.3, AGS 2.0, Deep Linking 2.0).
const (
	ClaimMessageType   = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion       = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink  = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimContext       = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimRoles         = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimCustom        = "https://purl.imsglobal.org/spec/lti/claim/custom"

	ClaimAGSEndpoint = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"

	ClaimDeepLinkingSettings = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	ClaimContentItems        = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	ClaimDeepLinkingData     = "https://purl.imsglobal.org/spec/lti-dl/claim/data"
)

const (
	MessageTypeResourceLink        = "LtiResourceLinkRequest"
	MessageTypeDeepLinking         = "LtiDeepLinkingRequest"
	MessageTypeDeepLinkingResponse = "LtiDeepLinkingResponse"

	Version = "1.3.0"
)

// AGS scopes.
const (
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeResultReadOnly   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
)

// CustomResourceID is the custom parameter a platform may use to point a
// launch at a course or content key when the URL carries none.
const CustomResourceID = "resourceId"

// Claims is a decoded id_token payload.
type Claims map[string]any

// String returns the claim as a string, or "" when absent or not a string.
func (c Claims) String(key string) string {
	return asString(c[key])
}

// Object returns a nested JSON object claim.
func (c Claims) Object(key string) map[string]any {
	m, _ := c[key].(map[string]any)
	return m
}

// Strings returns a claim that may be a single string or a list of strings.
func (c Claims) Strings(key string) []string {
	return toStrings(c[key])
}

// Custom returns one value of the custom parameters claim.
func (c Claims) Custom(name string) string {
	return asString(c.Object(ClaimCustom)[name])
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// HasScope reports whether scope is present in a list or space separated claim value.
func HasScope(v any, scope string) bool {
	if s, ok := v.(string); ok {
		v = strings.Fields(s)
	}
	for _, s := range toStrings(v) {
		if s == scope {
			return true
		}
	}
	return false
}
