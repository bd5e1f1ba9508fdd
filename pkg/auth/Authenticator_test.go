package auth_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/servient-go/pkg/auth"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

func TestNosecAuthenticator(t *testing.T) {
	logrus.Infof("--- TestNosecAuthenticator ---")
	authenticator := auth.BuildAuthenticator(
		&thing.SecurityScheme{Scheme: vocab.SecuritySchemeNoSec}, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NoError(t, authenticator.Authenticate(req))
}

func TestBasicAuthenticator(t *testing.T) {
	logrus.Infof("--- TestBasicAuthenticator ---")
	authenticator := auth.BuildAuthenticator(
		&thing.SecurityScheme{Scheme: vocab.SecuritySchemeBasic},
		map[string]interface{}{"username": "user1", "password": "pass1"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("user1", "pass1")
	assert.NoError(t, authenticator.Authenticate(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("user1", "wrong")
	err := authenticator.Authenticate(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrUnauthorized))

	// a missing header is also rejected
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Error(t, authenticator.Authenticate(req))

	// the challenge carries the basic scheme
	recorder := httptest.NewRecorder()
	authenticator.WriteChallenge(recorder)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Contains(t, recorder.Header().Get("WWW-Authenticate"), "Basic")
}

func TestBearerAuthenticator(t *testing.T) {
	logrus.Infof("--- TestBearerAuthenticator ---")
	authenticator := auth.BuildAuthenticator(
		&thing.SecurityScheme{Scheme: vocab.SecuritySchemeBearer},
		map[string]interface{}{"token": "token1"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token1")
	assert.NoError(t, authenticator.Authenticate(req))

	req.Header.Set("Authorization", "Bearer wrong")
	assert.Error(t, authenticator.Authenticate(req))
}

func TestBearerJWTFormat(t *testing.T) {
	logrus.Infof("--- TestBearerJWTFormat ---")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user1"})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	authenticator := auth.BuildAuthenticator(
		&thing.SecurityScheme{Scheme: vocab.SecuritySchemeBearer, Format: "jwt"},
		map[string]interface{}{"token": signed})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	assert.NoError(t, authenticator.Authenticate(req))

	// an opaque token against the jwt format is rejected
	opaque := auth.BuildAuthenticator(
		&thing.SecurityScheme{Scheme: vocab.SecuritySchemeBearer, Format: "jwt"},
		map[string]interface{}{"token": "notajwt"})
	req.Header.Set("Authorization", "Bearer notajwt")
	assert.Error(t, opaque.Authenticate(req))

	// signature verification with the right secret succeeds
	claims, err := auth.VerifyJWT(signed, []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, "user1", claims["sub"])
	_, err = auth.VerifyJWT(signed, []byte("wrong"))
	assert.Error(t, err)
}

func TestAPIKeyAuthenticator(t *testing.T) {
	logrus.Infof("--- TestAPIKeyAuthenticator ---")
	authenticator := auth.BuildAuthenticator(
		&thing.SecurityScheme{Scheme: vocab.SecuritySchemeAPIKey, In: "query", Name: "key"},
		map[string]interface{}{"key": "key1"})

	req := httptest.NewRequest(http.MethodGet, "/?key=key1", nil)
	assert.NoError(t, authenticator.Authenticate(req))
	req = httptest.NewRequest(http.MethodGet, "/?key=bad", nil)
	assert.Error(t, authenticator.Authenticate(req))
}

func TestDigestFailsClosed(t *testing.T) {
	logrus.Infof("--- TestDigestFailsClosed ---")
	authenticator := auth.BuildAuthenticator(
		&thing.SecurityScheme{Scheme: vocab.SecuritySchemeDigest}, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	err := authenticator.Authenticate(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrNotSupported))
}

func TestOAuth2Introspection(t *testing.T) {
	logrus.Infof("--- TestOAuth2Introspection ---")
	introspection := httptest.NewServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			require.NoError(t, req.ParseForm())
			active := req.Form.Get("token") == "goodtoken"
			_ = json.NewEncoder(resp).Encode(map[string]interface{}{"active": active})
		}))
	defer introspection.Close()

	authenticator := auth.BuildAuthenticator(
		&thing.SecurityScheme{Scheme: vocab.SecuritySchemeOAuth2, Endpoint: introspection.URL},
		map[string]interface{}{"client_id": "servient", "client_secret": "secret"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer goodtoken")
	assert.NoError(t, authenticator.Authenticate(req))

	req.Header.Set("Authorization", "Bearer badtoken")
	err := authenticator.Authenticate(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrUnauthorized))
}

func TestOIDC4VPDelegation(t *testing.T) {
	logrus.Infof("--- TestOIDC4VPDelegation ---")
	verifier := httptest.NewServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			if body["token"] == "goodtoken" {
				resp.WriteHeader(http.StatusOK)
			} else {
				resp.WriteHeader(http.StatusForbidden)
			}
		}))
	defer verifier.Close()

	authenticator := auth.BuildAuthenticator(
		&thing.SecurityScheme{Scheme: vocab.SecuritySchemeOIDC4VP, VerifierURL: verifier.URL}, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.TokenHeader, "goodtoken")
	assert.NoError(t, authenticator.Authenticate(req))

	req.Header.Set(auth.TokenHeader, "badtoken")
	assert.Error(t, authenticator.Authenticate(req))

	// no token at all
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Error(t, authenticator.Authenticate(req))
}

func TestBasicCredentialSigning(t *testing.T) {
	logrus.Infof("--- TestBasicCredentialSigning ---")
	cred, err := auth.BuildCredential(
		&thing.SecurityScheme{Scheme: vocab.SecuritySchemeBasic},
		map[string]interface{}{"username": "user1", "password": "pass1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	require.NoError(t, cred.Sign(req))
	username, password, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "user1", username)
	assert.Equal(t, "pass1", password)
}

func TestBearerCredentialSigning(t *testing.T) {
	logrus.Infof("--- TestBearerCredentialSigning ---")
	cred, err := auth.BuildCredential(
		&thing.SecurityScheme{Scheme: vocab.SecuritySchemeBearer},
		map[string]interface{}{"token": "token1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	require.NoError(t, cred.Sign(req))
	assert.Equal(t, "Bearer token1", req.Header.Get("Authorization"))
}

func TestOAuth2CredentialFetchesAndCachesToken(t *testing.T) {
	logrus.Infof("--- TestOAuth2CredentialFetchesAndCachesToken ---")
	tokenRequests := 0
	tokenServer := httptest.NewServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			tokenRequests++
			_ = json.NewEncoder(resp).Encode(map[string]interface{}{
				"access_token": "fetched-token",
				"expires_in":   3600,
			})
		}))
	defer tokenServer.Close()

	cred, err := auth.BuildCredential(
		&thing.SecurityScheme{Scheme: vocab.SecuritySchemeOAuth2, Flow: "client", Token: tokenServer.URL},
		map[string]interface{}{"client_id": "servient", "client_secret": "secret"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	require.NoError(t, cred.Sign(req))
	assert.Equal(t, "Bearer fetched-token", req.Header.Get("Authorization"))

	// the second request reuses the cached token
	require.NoError(t, cred.Sign(req))
	assert.Equal(t, 1, tokenRequests)
}

func TestOIDC4VPCredentialSigning(t *testing.T) {
	logrus.Infof("--- TestOIDC4VPCredentialSigning ---")
	var rxRequest map[string]string
	holder := httptest.NewServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&rxRequest))
			_ = json.NewEncoder(resp).Encode(map[string]string{"token": "vp-token"})
		}))
	defer holder.Close()

	cred, err := auth.BuildCredential(
		&thing.SecurityScheme{
			Scheme:    vocab.SecuritySchemeOIDC4VP,
			HolderURL: holder.URL,
			Requester: "consumer1",
		}, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "http://device1.local/thing/property/temp", nil)
	require.NoError(t, cred.Sign(req))
	assert.Equal(t, "vp-token", req.Header.Get(auth.TokenHeader))
	assert.Equal(t, "consumer1", rxRequest["requester"])
	assert.Equal(t, http.MethodPut, rxRequest["method"])
	assert.Equal(t, "/thing/property/temp", rxRequest["resource"])
}

func TestBuildCredentialUnknownScheme(t *testing.T) {
	logrus.Infof("--- TestBuildCredentialUnknownScheme ---")
	_, err := auth.BuildCredential(&thing.SecurityScheme{Scheme: "psk"}, nil)
	assert.Error(t, err)
}
