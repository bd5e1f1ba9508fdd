package thing

import (
	"fmt"

	"github.com/wostzone/servient-go/pkg/vocab"
)

// SecurityScheme is the tagged variant over the WoT security scheme
// vocabulary. The Scheme field selects the variant; each variant only uses
// the fields it needs. Unknown schemes fail closed in the auth package.
type SecurityScheme struct {
	// Scheme is one of the vocab.SecurityScheme* names
	Scheme      string `json:"scheme"`
	Description string `json:"description,omitempty"`
	// Proxy URL when the scheme is applied through an intermediary
	Proxy string `json:"proxy,omitempty"`

	// In with the location of the credentials: header, query, body or cookie (basic, digest, apikey)
	In string `json:"in,omitempty"`
	// Name of the header, query parameter or body field (basic, digest, apikey)
	Name string `json:"name,omitempty"`

	// QoP with the quality of protection (digest)
	QoP string `json:"qop,omitempty"`

	// Authorization server URI (bearer, oauth2)
	Authorization string `json:"authorization,omitempty"`
	// Alg with the signing algorithm of the token (bearer)
	Alg string `json:"alg,omitempty"`
	// Format of the token: jwt, cwt, jwe (bearer)
	Format string `json:"format,omitempty"`

	// Identity of the pre-shared key (psk)
	Identity string `json:"identity,omitempty"`

	// Flow of the oauth2 grant: client, code, device (oauth2)
	Flow string `json:"flow,omitempty"`
	// Token endpoint URI (oauth2)
	Token string `json:"token,omitempty"`
	// Refresh endpoint URI (oauth2)
	Refresh string `json:"refresh,omitempty"`
	// Scopes requested during the oauth2 flow (oauth2)
	Scopes []string `json:"scopes,omitempty"`
	// Endpoint with the token introspection URI (oauth2 server side)
	Endpoint string `json:"endpoint,omitempty"`

	// OneOf with the combined sub-schemes (combo)
	OneOf []string `json:"oneOf,omitempty"`
	AllOf []string `json:"allOf,omitempty"`

	// HolderURL with the token holder service URI (oidc4vp client side)
	HolderURL string `json:"holderUrl,omitempty"`
	// Requester identity posted to the holder (oidc4vp client side)
	Requester string `json:"requester,omitempty"`
	// VerifierURL with the external verifier service URI (oidc4vp server side)
	VerifierURL string `json:"verifierUrl,omitempty"`
}

// Validate checks that the scheme name is part of the known vocabulary
func (scheme *SecurityScheme) Validate() error {
	for _, known := range vocab.SecuritySchemeTypes {
		if scheme.Scheme == known {
			return nil
		}
	}
	return fmt.Errorf("unknown security scheme: %s", scheme.Scheme)
}
