package lti

// Message is a verified LTI message, either fresh from an id_token or
// restored from the launch cache under LaunchID.
type Message struct {
	LaunchID string
	Claims   Claims
}

func (m *Message) Type() string { return m.Claims.String(ClaimMessageType) }

func (m *Message) IsResourceLink() bool { return m.Type() == MessageTypeResourceLink }

func (m *Message) IsDeepLinking() bool { return m.Type() == MessageTypeDeepLinking }

// AGSEndpoint is the assignment and grade services claim.
type AGSEndpoint struct {
	LineItem  string
	LineItems string
	Scope     []string
}

// AGS returns the AGS claim and whether the launch advertises it at all.
func (m *Message) AGS() (AGSEndpoint, bool) {
	raw, ok := m.Claims[ClaimAGSEndpoint].(map[string]any)
	if !ok {
		return AGSEndpoint{}, false
	}
	return AGSEndpoint{
		LineItem:  asString(raw["lineitem"]),
		LineItems: asString(raw["lineitems"]),
		Scope:     toStrings(raw["scope"]),
	}, true
}

// CanPostScore reports whether the score scope was granted.
func (e AGSEndpoint) CanPostScore() bool {
	return HasScope(e.Scope, ScopeScore)
}

// DeepLinkingSettings is the subset of the deep linking settings claim the tool uses.
type DeepLinkingSettings struct {
	ReturnURL           string
	AcceptTypes         []string
	AcceptMultiple      bool
	Data                string
	AcceptPresentations []string
}

func (m *Message) DeepLinkingSettings() (DeepLinkingSettings, bool) {
	raw, ok := m.Claims[ClaimDeepLinkingSettings].(map[string]any)
	if !ok {
		return DeepLinkingSettings{}, false
	}
	multiple, _ := raw["accept_multiple"].(bool)
	return DeepLinkingSettings{
		ReturnURL:           asString(raw["deep_link_return_url"]),
		AcceptTypes:         toStrings(raw["accept_types"]),
		AcceptMultiple:      multiple,
		Data:                asString(raw["data"]),
		AcceptPresentations: toStrings(raw["accept_presentation_document_targets"]),
	}, true
}
