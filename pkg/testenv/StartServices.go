package testenv

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
)

// Paths of the simulated oauth2 authority
const (
	OAuth2TokenPath      = "/oauth2/token"
	OAuth2IntrospectPath = "/oauth2/introspect"
)

// OAuth2Service simulates the oauth2 authority used by the oauth2
// authenticator and credential: a token endpoint issuing a fixed token and
// an introspection endpoint reporting that token active.
type OAuth2Service struct {
	// AccessToken issued by the token endpoint and accepted by introspection
	AccessToken string

	httpServer *httptest.Server
}

// StartOAuth2Service starts the simulated authority on an ephemeral port.
// Call Stop when done.
func StartOAuth2Service(accessToken string) *OAuth2Service {
	service := &OAuth2Service{AccessToken: accessToken}
	router := http.NewServeMux()
	router.HandleFunc(OAuth2TokenPath, service.handleToken)
	router.HandleFunc(OAuth2IntrospectPath, service.handleIntrospect)
	service.httpServer = httptest.NewServer(router)
	return service
}

// TokenURL of the simulated token endpoint
func (service *OAuth2Service) TokenURL() string {
	return service.httpServer.URL + OAuth2TokenPath
}

// IntrospectionURL of the simulated introspection endpoint
func (service *OAuth2Service) IntrospectionURL() string {
	return service.httpServer.URL + OAuth2IntrospectPath
}

// Stop the simulated authority
func (service *OAuth2Service) Stop() {
	service.httpServer.Close()
}

func (service *OAuth2Service) handleToken(resp http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(resp, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(resp).Encode(map[string]interface{}{
		"access_token": service.AccessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (service *OAuth2Service) handleIntrospect(resp http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(resp, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_ = req.ParseForm()
	active := req.Form.Get("token") == service.AccessToken
	resp.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(resp).Encode(map[string]interface{}{"active": active})
}
