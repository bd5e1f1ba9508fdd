package auth

import (
	"net/http"

	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// Credential signs an outbound request with the consumer's credentials
type Credential interface {
	// Scheme returns the security scheme name this credential implements
	Scheme() string

	// Sign mutates the outgoing request with the credential material
	Sign(req *http.Request) error
}

// NosecCredential leaves the request untouched
type NosecCredential struct{}

func (cred *NosecCredential) Scheme() string { return vocab.SecuritySchemeNoSec }

func (cred *NosecCredential) Sign(req *http.Request) error { return nil }

// BasicCredential adds a basic authorization header
type BasicCredential struct {
	Username string
	Password string
}

func (cred *BasicCredential) Scheme() string { return vocab.SecuritySchemeBasic }

func (cred *BasicCredential) Sign(req *http.Request) error {
	req.SetBasicAuth(cred.Username, cred.Password)
	return nil
}

// BearerCredential adds a bearer token authorization header
type BearerCredential struct {
	Token string
}

func (cred *BearerCredential) Scheme() string { return vocab.SecuritySchemeBearer }

func (cred *BearerCredential) Sign(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	return nil
}

// APIKeyCredential adds the key to a header or query parameter
type APIKeyCredential struct {
	In   string
	Name string
	Key  string
}

func (cred *APIKeyCredential) Scheme() string { return vocab.SecuritySchemeAPIKey }

func (cred *APIKeyCredential) Sign(req *http.Request) error {
	switch cred.In {
	case "query":
		query := req.URL.Query()
		query.Set(cred.Name, cred.Key)
		req.URL.RawQuery = query.Encode()
	default:
		req.Header.Set(cred.Name, cred.Key)
	}
	return nil
}

// BuildCredential creates the outbound credential for a security scheme
// definition and the stored credential material. Returns an error for
// schemes without a client-side implementation.
func BuildCredential(scheme *thing.SecurityScheme, credentials map[string]interface{}) (Credential, error) {
	get := func(key string) string {
		if credentials == nil {
			return ""
		}
		value, _ := credentials[key].(string)
		return value
	}
	switch scheme.Scheme {
	case vocab.SecuritySchemeNoSec, vocab.SecuritySchemeAuto:
		return &NosecCredential{}, nil
	case vocab.SecuritySchemeBasic:
		return &BasicCredential{
			Username: get("username"),
			Password: get("password"),
		}, nil
	case vocab.SecuritySchemeBearer:
		return &BearerCredential{Token: get("token")}, nil
	case vocab.SecuritySchemeAPIKey:
		return &APIKeyCredential{
			In:   scheme.In,
			Name: scheme.Name,
			Key:  get("key"),
		}, nil
	case vocab.SecuritySchemeOAuth2:
		return &OAuth2ClientCredential{
			TokenURL:     scheme.Token,
			ClientID:     get("client_id"),
			ClientSecret: get("client_secret"),
			Scopes:       scheme.Scopes,
		}, nil
	case vocab.SecuritySchemeOIDC4VP:
		return &OIDC4VPCredential{
			HolderURL: scheme.HolderURL,
			Requester: scheme.Requester,
		}, nil
	default:
		return nil, protocols.NotSupportedError("no credential implementation for scheme '%s'", scheme.Scheme)
	}
}
