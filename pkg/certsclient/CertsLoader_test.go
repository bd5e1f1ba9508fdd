package certsclient_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/servient-go/pkg/certsclient"
	"github.com/wostzone/servient-go/pkg/testenv"
)

func TestLoadCertsFromPEM(t *testing.T) {
	logrus.Infof("--- TestLoadCertsFromPEM ---")
	certs := testenv.CreateTestCerts()
	caPath, certPath, keyPath, err := certs.SavePEM(testCertFolder)
	require.NoError(t, err)

	caCert, err := certsclient.LoadX509CertFromPEM(caPath)
	require.NoError(t, err)
	assert.True(t, caCert.IsCA)

	serverCert, err := certsclient.LoadTLSCertFromPEM(certPath, keyPath)
	require.NoError(t, err)
	assert.NotEmpty(t, serverCert.Certificate)

	caPool, err := certsclient.LoadCAPool(caPath)
	require.NoError(t, err)
	assert.NotNil(t, caPool)
}

func TestBuildTLSConfigs(t *testing.T) {
	logrus.Infof("--- TestBuildTLSConfigs ---")
	certs := testenv.CreateTestCerts()
	caPath, certPath, keyPath, err := certs.SavePEM(testCertFolder)
	require.NoError(t, err)

	serverConfig, err := certsclient.ServerTLSConfig(certPath, keyPath)
	require.NoError(t, err)
	assert.Len(t, serverConfig.Certificates, 1)

	clientConfig, err := certsclient.ClientTLSConfig(caPath)
	require.NoError(t, err)
	assert.NotNil(t, clientConfig.RootCAs)

	systemConfig, err := certsclient.ClientTLSConfig("")
	require.NoError(t, err)
	assert.Nil(t, systemConfig.RootCAs)
}

func TestLoadCertsBadPaths(t *testing.T) {
	logrus.Infof("--- TestLoadCertsBadPaths ---")
	_, err := certsclient.LoadX509CertFromPEM("/not/a/file.pem")
	assert.Error(t, err)
	_, err = certsclient.LoadTLSCertFromPEM("/not/a/cert.pem", "/not/a/key.pem")
	assert.Error(t, err)
	_, err = certsclient.LoadCAPool("/not/a/ca.pem")
	assert.Error(t, err)
	_, err = certsclient.ServerTLSConfig("/not/a/cert.pem", "/not/a/key.pem")
	assert.Error(t, err)
}
