package registration

import (
	"encoding/json"
	"time"

	"github.com/gcdcore/agent/internal/errs"
)

// persisted key names, matching
// original_source/buffet/device_registration_info.cc verbatim (spec.md §6).
const (
	keyClientID     = "client_id"
	keyClientSecret = "client_secret"
	keyAPIKey       = "api_key"
	keyRefreshToken = "refresh_token"
	keyDeviceID     = "device_id"
	keyOAuthURL     = "oauth_url"
	keyServiceURL   = "service_url"
	keyRobotAccount = "robot_account"
)

// Registration is the DeviceRegistration record (spec.md §3). ClientID
// through RobotAccount are the persisted fields. AccessToken and its expiry
// are held in memory only and set on each token refresh; the rest are
// transient, populated only during the registration handshake.
type Registration struct {
	ClientID     string
	ClientSecret string
	ApiKey       string
	RefreshToken string
	DeviceID     string
	OAuthURL     string
	ServiceURL   string
	RobotAccount string

	AccessToken          string
	AccessTokenExpiresAt time.Time

	// Transient, handshake-only fields (spec.md §3).
	DeviceKind  string
	SystemName  string
	DisplayName string
	TicketID    string

	// Extra preserves any unrecognised key found in the persisted file so
	// a rewrite does not drop it (spec.md §6: "unknown keys are preserved
	// on rewrite").
	Extra map[string]json.RawMessage
}

// IsComplete reports whether every key required to consider the device
// registered is present (spec.md §4.4 CheckRegistration).
func (r *Registration) IsComplete() bool {
	return r.RefreshToken != "" && r.DeviceID != "" && r.RobotAccount != ""
}

// missingStartRegistrationParam checks the handshake's required input keys
// (spec.md §4.4 step 1).
func missingStartRegistrationParam(params map[string]string) string {
	required := []string{"client_id", "client_secret", "api_key", "device_kind", "system_name", "oauth_url", "service_url"}
	for _, k := range required {
		if params[k] == "" {
			return k
		}
	}
	return ""
}

// ToJSON serializes r into the persisted layout, folding in Extra so
// unknown keys survive a rewrite.
func (r *Registration) ToJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range r.Extra {
		out[k] = v
	}
	set := func(key, value string) error {
		encoded, err := json.Marshal(value)
		if err != nil {
			return err
		}
		out[key] = encoded
		return nil
	}
	fields := map[string]string{
		keyClientID:     r.ClientID,
		keyClientSecret: r.ClientSecret,
		keyAPIKey:       r.ApiKey,
		keyRefreshToken: r.RefreshToken,
		keyDeviceID:     r.DeviceID,
		keyOAuthURL:     r.OAuthURL,
		keyServiceURL:   r.ServiceURL,
		keyRobotAccount: r.RobotAccount,
	}
	for k, v := range fields {
		if err := set(k, v); err != nil {
			return nil, errs.Wrap(err, errs.DomainJSON, "encode_error", "encoding registration record")
		}
	}
	return json.Marshal(out)
}

// FromJSON parses the persisted layout, preserving any key this version
// does not recognise in Extra.
func FromJSON(data []byte) (*Registration, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errs.Wrap(err, errs.DomainJSON, "parse_error", "parsing registration record")
	}

	r := &Registration{Extra: map[string]json.RawMessage{}}
	known := map[string]*string{
		keyClientID:     &r.ClientID,
		keyClientSecret: &r.ClientSecret,
		keyAPIKey:       &r.ApiKey,
		keyRefreshToken: &r.RefreshToken,
		keyDeviceID:     &r.DeviceID,
		keyOAuthURL:     &r.OAuthURL,
		keyServiceURL:   &r.ServiceURL,
		keyRobotAccount: &r.RobotAccount,
	}
	for key, value := range fields {
		if dest, ok := known[key]; ok {
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				return nil, errs.Wrapf(err, errs.DomainJSON, "parse_error", "field %q is not a string", key)
			}
			*dest = s
			continue
		}
		r.Extra[key] = value
	}
	return r, nil
}
