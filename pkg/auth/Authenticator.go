// Package auth with the inbound authenticators and outbound credentials of
// the protocol bindings. One authenticator/credential variant exists per
// security scheme; unknown or unimplemented schemes fail closed.
package auth

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// Authenticator verifies the credentials presented with an inbound request.
// The HTTP binding passes the request as-is; the CoAP binding synthesizes a
// request whose Authorization header carries the CoAP credential option.
type Authenticator interface {
	// Scheme returns the security scheme name this authenticator implements
	Scheme() string

	// Authenticate returns nil when the request carries valid credentials
	Authenticate(req *http.Request) error

	// WriteChallenge writes the scheme appropriate challenge response
	WriteChallenge(resp http.ResponseWriter)
}

// NosecAuthenticator accepts every request
type NosecAuthenticator struct{}

func (auth *NosecAuthenticator) Scheme() string { return vocab.SecuritySchemeNoSec }

func (auth *NosecAuthenticator) Authenticate(req *http.Request) error { return nil }

func (auth *NosecAuthenticator) WriteChallenge(resp http.ResponseWriter) {}

// BasicAuthenticator verifies a basic auth header against the stored
// username and password.
type BasicAuthenticator struct {
	Username string
	Password string
}

func (auth *BasicAuthenticator) Scheme() string { return vocab.SecuritySchemeBasic }

func (auth *BasicAuthenticator) Authenticate(req *http.Request) error {
	username, password, ok := req.BasicAuth()
	if !ok {
		header := req.Header.Get("Authorization")
		// also accept the raw b64 form without the scheme prefix
		if decoded, err := base64.StdEncoding.DecodeString(header); err == nil {
			parts := strings.SplitN(string(decoded), ":", 2)
			if len(parts) == 2 {
				username, password, ok = parts[0], parts[1], true
			}
		}
	}
	if !ok || username != auth.Username || password != auth.Password {
		return protocols.UnauthorizedError("basic credentials rejected")
	}
	return nil
}

func (auth *BasicAuthenticator) WriteChallenge(resp http.ResponseWriter) {
	resp.Header().Set("WWW-Authenticate", `Basic realm="thing"`)
	http.Error(resp, "unauthorized", http.StatusUnauthorized)
}

// BearerAuthenticator compares the presented bearer token with the stored
// token. With the jwt token format the token must also parse as a JWT.
type BearerAuthenticator struct {
	Token string
	// Format of the token, eg "jwt". Empty for an opaque token.
	Format string
}

func (auth *BearerAuthenticator) Scheme() string { return vocab.SecuritySchemeBearer }

func (auth *BearerAuthenticator) Authenticate(req *http.Request) error {
	token, err := GetBearerToken(req)
	if err != nil {
		return err
	}
	if token != auth.Token {
		return protocols.UnauthorizedError("bearer token rejected")
	}
	if auth.Format == "jwt" {
		if err = ValidateJWTFormat(token); err != nil {
			return err
		}
	}
	return nil
}

func (auth *BearerAuthenticator) WriteChallenge(resp http.ResponseWriter) {
	resp.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(resp, "unauthorized", http.StatusUnauthorized)
}

// APIKeyAuthenticator compares a key carried in a header or query parameter
type APIKeyAuthenticator struct {
	// In is "header" or "query"
	In string
	// Name of the header or query parameter
	Name string
	Key  string
}

func (auth *APIKeyAuthenticator) Scheme() string { return vocab.SecuritySchemeAPIKey }

func (auth *APIKeyAuthenticator) Authenticate(req *http.Request) error {
	var presented string
	switch auth.In {
	case "query":
		presented = req.URL.Query().Get(auth.Name)
	default:
		presented = req.Header.Get(auth.Name)
	}
	if presented == "" || presented != auth.Key {
		return protocols.UnauthorizedError("api key rejected")
	}
	return nil
}

func (auth *APIKeyAuthenticator) WriteChallenge(resp http.ResponseWriter) {
	http.Error(resp, "unauthorized", http.StatusUnauthorized)
}

// failClosedAuthenticator rejects everything. Used for scheme variants whose
// verification is intentionally not implemented, such as digest and psk.
type failClosedAuthenticator struct {
	scheme string
}

func (auth *failClosedAuthenticator) Scheme() string { return auth.scheme }

func (auth *failClosedAuthenticator) Authenticate(req *http.Request) error {
	return protocols.NotSupportedError("authentication scheme '%s' is not implemented", auth.scheme)
}

func (auth *failClosedAuthenticator) WriteChallenge(resp http.ResponseWriter) {
	http.Error(resp, "unauthorized", http.StatusUnauthorized)
}

// GetBearerToken returns the bearer token from the authorization header
func GetBearerToken(req *http.Request) (string, error) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return "", protocols.UnauthorizedError("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", protocols.UnauthorizedError("not a bearer token")
	}
	return parts[1], nil
}

// BuildAuthenticator creates the inbound authenticator for a security scheme
// definition and the matching stored credentials. Unknown schemes and
// schemes without a verification implementation fail closed.
//
// credentials carries the server-side secrets keyed per scheme field, eg
// "username"/"password" for basic or "token" for bearer.
func BuildAuthenticator(scheme *thing.SecurityScheme, credentials map[string]interface{}) Authenticator {
	get := func(key string) string {
		if credentials == nil {
			return ""
		}
		value, _ := credentials[key].(string)
		return value
	}
	switch scheme.Scheme {
	case vocab.SecuritySchemeNoSec, vocab.SecuritySchemeAuto:
		return &NosecAuthenticator{}
	case vocab.SecuritySchemeBasic:
		return &BasicAuthenticator{
			Username: get("username"),
			Password: get("password"),
		}
	case vocab.SecuritySchemeBearer:
		return &BearerAuthenticator{
			Token:  get("token"),
			Format: scheme.Format,
		}
	case vocab.SecuritySchemeAPIKey:
		return &APIKeyAuthenticator{
			In:   scheme.In,
			Name: scheme.Name,
			Key:  get("key"),
		}
	case vocab.SecuritySchemeOAuth2:
		return &OAuth2Authenticator{
			Endpoint:     scheme.Endpoint,
			ClientID:     get("client_id"),
			ClientSecret: get("client_secret"),
		}
	case vocab.SecuritySchemeOIDC4VP:
		return &OIDC4VPAuthenticator{
			VerifierURL: scheme.VerifierURL,
			JWK:         get("jwk"),
		}
	default:
		return &failClosedAuthenticator{scheme: scheme.Scheme}
	}
}
