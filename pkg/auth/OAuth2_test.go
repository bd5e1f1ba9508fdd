package auth_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/servient-go/pkg/auth"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/testenv"
)

func TestOAuth2SignAndIntrospect(t *testing.T) {
	logrus.Infof("--- TestOAuth2SignAndIntrospect ---")
	service := testenv.StartOAuth2Service("token-12345")
	defer service.Stop()

	credential := &auth.OAuth2ClientCredential{
		TokenURL:     service.TokenURL(),
		ClientID:     "servient1",
		ClientSecret: "secret1",
	}
	req, _ := http.NewRequest(http.MethodGet, "http://localhost/thing/property/x", nil)
	require.NoError(t, credential.Sign(req))
	assert.Equal(t, "Bearer token-12345", req.Header.Get("Authorization"))

	authenticator := &auth.OAuth2Authenticator{Endpoint: service.IntrospectionURL()}
	assert.NoError(t, authenticator.Authenticate(req))

	// the cached token is reused without a second token request
	req2, _ := http.NewRequest(http.MethodGet, "http://localhost/thing/property/x", nil)
	require.NoError(t, credential.Sign(req2))
	assert.Equal(t, "Bearer token-12345", req2.Header.Get("Authorization"))
}

func TestOAuth2RejectsInactiveToken(t *testing.T) {
	logrus.Infof("--- TestOAuth2RejectsInactiveToken ---")
	service := testenv.StartOAuth2Service("token-12345")
	defer service.Stop()

	authenticator := &auth.OAuth2Authenticator{Endpoint: service.IntrospectionURL()}
	req, _ := http.NewRequest(http.MethodGet, "http://localhost/thing/property/x", nil)
	req.Header.Set("Authorization", "Bearer forged-token")
	err := authenticator.Authenticate(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrUnauthorized))
}

func TestOAuth2WithoutEndpoint(t *testing.T) {
	logrus.Infof("--- TestOAuth2WithoutEndpoint ---")
	authenticator := &auth.OAuth2Authenticator{}
	req, _ := http.NewRequest(http.MethodGet, "http://localhost/x", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	err := authenticator.Authenticate(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrNotSupported))
}
