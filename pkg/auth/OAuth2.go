package auth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// OAuth2Authenticator verifies bearer tokens by introspecting them at the
// configured introspection endpoint (RFC 7662). A token is accepted when the
// endpoint reports it active.
type OAuth2Authenticator struct {
	// Endpoint with the token introspection URL
	Endpoint string
	// ClientID and ClientSecret authenticate this servient at the endpoint
	ClientID     string
	ClientSecret string

	// HTTPClient to use. Defaults to a client with a 10 second timeout.
	HTTPClient *http.Client
}

func (auth *OAuth2Authenticator) Scheme() string { return vocab.SecuritySchemeOAuth2 }

func (auth *OAuth2Authenticator) Authenticate(req *http.Request) error {
	token, err := GetBearerToken(req)
	if err != nil {
		return err
	}
	if auth.Endpoint == "" {
		return protocols.NotSupportedError("oauth2 scheme has no introspection endpoint")
	}
	form := url.Values{}
	form.Set("token", token)
	introspect, err := http.NewRequest(http.MethodPost, auth.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return protocols.ProtocolError("building introspection request: %s", err)
	}
	introspect.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if auth.ClientID != "" {
		introspect.SetBasicAuth(auth.ClientID, auth.ClientSecret)
	}
	resp, err := auth.httpClient().Do(introspect)
	if err != nil {
		return protocols.ProtocolError("token introspection failed: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return protocols.ProtocolError("token introspection returned status %d", resp.StatusCode)
	}
	var result struct {
		Active bool `json:"active"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return protocols.ProtocolError("invalid introspection response: %s", err)
	}
	if !result.Active {
		logrus.Infof("OAuth2Authenticator: introspection rejected token")
		return protocols.UnauthorizedError("token is not active")
	}
	return nil
}

func (auth *OAuth2Authenticator) WriteChallenge(resp http.ResponseWriter) {
	resp.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(resp, "unauthorized", http.StatusUnauthorized)
}

func (auth *OAuth2Authenticator) httpClient() *http.Client {
	if auth.HTTPClient != nil {
		return auth.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// OAuth2ClientCredential obtains tokens with the oauth2 client credentials
// flow and signs outbound requests with them. The token is cached and
// refreshed when it expires.
type OAuth2ClientCredential struct {
	// TokenURL of the token endpoint
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	HTTPClient *http.Client

	mutex   sync.Mutex
	token   string
	expires time.Time
}

func (cred *OAuth2ClientCredential) Scheme() string { return vocab.SecuritySchemeOAuth2 }

// Sign adds the fetched access token as a bearer authorization header
func (cred *OAuth2ClientCredential) Sign(req *http.Request) error {
	token, err := cred.getToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (cred *OAuth2ClientCredential) getToken() (string, error) {
	cred.mutex.Lock()
	defer cred.mutex.Unlock()
	if cred.token != "" && time.Now().Before(cred.expires) {
		return cred.token, nil
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if len(cred.Scopes) > 0 {
		form.Set("scope", strings.Join(cred.Scopes, " "))
	}
	req, err := http.NewRequest(http.MethodPost, cred.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", protocols.ProtocolError("building token request: %s", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(cred.ClientID, cred.ClientSecret)

	client := cred.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", protocols.ProtocolError("token request failed: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", protocols.UnauthorizedError("token endpoint returned status %d", resp.StatusCode)
	}
	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", protocols.ProtocolError("invalid token response: %s", err)
	}
	if result.AccessToken == "" {
		return "", protocols.UnauthorizedError("token endpoint returned no token")
	}
	cred.token = result.AccessToken
	if result.ExpiresIn > 0 {
		// refresh a little before the reported expiry
		cred.expires = time.Now().Add(time.Duration(result.ExpiresIn)*time.Second - 30*time.Second)
	} else {
		cred.expires = time.Now().Add(5 * time.Minute)
	}
	return cred.token, nil
}
