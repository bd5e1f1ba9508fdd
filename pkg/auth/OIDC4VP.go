package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"gopkg.in/square/go-jose.v2"

	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// TokenHeader is the header carrying OIDC4VP presentation tokens
const TokenHeader = "X-Auth-Token"

// OIDC4VPAuthenticator verifies verifiable-presentation tokens from the
// X-Auth-Token header. With a verifier URL configured the token is delegated
// to the external verifier service; with a JWK configured the token is
// verified locally as a JWS against that key. Without either it fails closed.
type OIDC4VPAuthenticator struct {
	// VerifierURL of the external verifier service
	VerifierURL string
	// JWK with the JSON-encoded public key for local verification
	JWK string

	HTTPClient *http.Client
}

func (auth *OIDC4VPAuthenticator) Scheme() string { return vocab.SecuritySchemeOIDC4VP }

func (auth *OIDC4VPAuthenticator) Authenticate(req *http.Request) error {
	token := req.Header.Get(TokenHeader)
	if token == "" {
		return protocols.UnauthorizedError("missing %s header", TokenHeader)
	}
	if auth.VerifierURL != "" {
		return auth.delegate(token)
	}
	if auth.JWK != "" {
		return auth.verifyLocal(token)
	}
	return protocols.NotSupportedError("oidc4vp scheme has no verifier configured")
}

func (auth *OIDC4VPAuthenticator) WriteChallenge(resp http.ResponseWriter) {
	http.Error(resp, "unauthorized", http.StatusUnauthorized)
}

// delegate posts the token to the external verifier and accepts on 2xx
func (auth *OIDC4VPAuthenticator) delegate(token string) error {
	body, _ := json.Marshal(map[string]string{"token": token})
	resp, err := auth.httpClient().Post(auth.VerifierURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return protocols.ProtocolError("token verification failed: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocols.UnauthorizedError("verifier rejected token with status %d", resp.StatusCode)
	}
	return nil
}

// verifyLocal checks the JWS signature of the token against the configured key
func (auth *OIDC4VPAuthenticator) verifyLocal(token string) error {
	var key jose.JSONWebKey
	if err := key.UnmarshalJSON([]byte(auth.JWK)); err != nil {
		return protocols.ProtocolError("invalid verification key: %s", err)
	}
	signed, err := jose.ParseSigned(token)
	if err != nil {
		return protocols.UnauthorizedError("token is not a valid JWS: %s", err)
	}
	if _, err = signed.Verify(key); err != nil {
		return protocols.UnauthorizedError("token signature rejected")
	}
	return nil
}

func (auth *OIDC4VPAuthenticator) httpClient() *http.Client {
	if auth.HTTPClient != nil {
		return auth.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// OIDC4VPCredential obtains a presentation token per request from the
// configured holder service and attaches it as the X-Auth-Token header.
type OIDC4VPCredential struct {
	// HolderURL of the token holder service
	HolderURL string
	// Requester identity posted to the holder
	Requester string

	HTTPClient *http.Client
}

func (cred *OIDC4VPCredential) Scheme() string { return vocab.SecuritySchemeOIDC4VP }

// Sign fetches a token for this request from the holder and attaches it
func (cred *OIDC4VPCredential) Sign(req *http.Request) error {
	body, _ := json.Marshal(map[string]string{
		"device":    req.URL.Host,
		"method":    req.Method,
		"resource":  req.URL.Path,
		"requester": cred.Requester,
	})
	client := cred.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Post(cred.HolderURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return protocols.ProtocolError("token request to holder failed: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocols.UnauthorizedError("holder returned status %d", resp.StatusCode)
	}
	var result struct {
		Token string `json:"token"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return protocols.ProtocolError("invalid holder response: %s", err)
	}
	req.Header.Set(TokenHeader, result.Token)
	return nil
}
