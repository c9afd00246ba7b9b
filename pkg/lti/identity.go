package lti

// PII keys captured from the launch message when capture is enabled.
var piiKeys = []string{"email", "name", "given_name", "family_name", "locale"}

// PII is the personal data copied from the launch message. It is empty when
// capture is disabled and otherwise carries every key in piiKeys, with
// missing claims recorded as "".
type PII map[string]string

// Identity is the (iss, client_id, sub) triple plus captured PII.
type Identity struct {
	Issuer   string
	ClientID string
	Subject  string
	PII      PII
}

// IdentityResolver turns a verified launch message into an Identity.
type IdentityResolver struct {
	CapturePII bool
}

// Resolve extracts iss, the effective client id and sub, and PII when enabled.
func (r IdentityResolver) Resolve(c Claims) Identity {
	return Identity{
		Issuer:   c.String("iss"),
		ClientID: GetClientID(c["aud"], c.String("azp")),
		Subject:  c.String("sub"),
		PII:      GetPII(c, r.CapturePII),
	}
}

// GetClientID derives the client id from the aud claim. A list audience
// yields azp when azp is one of its entries, otherwise its first entry.
// A scalar audience is returned as is.
func GetClientID(aud any, azp string) string {
	switch a := aud.(type) {
	case string:
		return a
	case []string, []any:
		list := toStrings(a)
		if len(list) == 0 {
			return ""
		}
		if azp != "" {
			for _, s := range list {
				if s == azp {
					return azp
				}
			}
		}
		return list[0]
	}
	return ""
}

// GetPII copies the PII claims when enabled.
func GetPII(c Claims, enabled bool) PII {
	out := PII{}
	if !enabled {
		return out
	}
	for _, k := range piiKeys {
		out[k] = c.String(k)
	}
	return out
}
