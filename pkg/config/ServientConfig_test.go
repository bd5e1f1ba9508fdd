package config_test

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/servient-go/pkg/config"
	"github.com/wostzone/servient-go/pkg/vocab"
)

const testConfigYaml = `
name: servient1
hostname: localhost
cataloguePort: 9710
logLevel: info
http:
  enabled: true
  port: 9711
websockets:
  enabled: true
  port: 9712
credentials:
  remote sensor:
    username: user1
    password: ${SERVIENT_TEST_PASSWORD}
database:
  enabled: true
  type: memory
`

func writeTestConfig(t *testing.T, content string) string {
	folder, err := os.MkdirTemp("", "servient-go-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(folder) })
	configFile := path.Join(folder, config.DefaultConfigName)
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0600))
	return configFile
}

func TestLoadConfig(t *testing.T) {
	logrus.Infof("--- TestLoadConfig ---")
	os.Setenv("SERVIENT_TEST_PASSWORD", "secret1")
	defer os.Unsetenv("SERVIENT_TEST_PASSWORD")
	configFile := writeTestConfig(t, testConfigYaml)

	cfg := config.CreateServientConfig("servient1")
	require.NoError(t, cfg.Load(configFile))
	assert.Equal(t, "servient1", cfg.Name)
	assert.Equal(t, 9710, cfg.CataloguePort)
	assert.True(t, cfg.Http.Enabled)
	assert.Equal(t, 9711, cfg.Http.Port)
	assert.False(t, cfg.Mqtt.Enabled)

	// the env reference is expanded into the credential store
	assert.Equal(t, "secret1", cfg.Credentials["remote sensor"]["password"])
}

func TestLoadConfigMissingFile(t *testing.T) {
	logrus.Infof("--- TestLoadConfigMissingFile ---")
	cfg := config.CreateServientConfig("servient1")
	assert.Error(t, cfg.Load("/not/a/config.yaml"))
}

func TestLoadConfigBadYaml(t *testing.T) {
	logrus.Infof("--- TestLoadConfigBadYaml ---")
	configFile := writeTestConfig(t, "name: [this is not\n  valid yaml")
	cfg := config.CreateServientConfig("servient1")
	assert.Error(t, cfg.Load(configFile))
}

func TestModesShorthand(t *testing.T) {
	logrus.Infof("--- TestModesShorthand ---")
	configFile := writeTestConfig(t, "name: servient1\nmodes: HW\n")
	cfg := config.CreateServientConfig("servient1")
	require.NoError(t, cfg.Load(configFile))
	assert.True(t, cfg.Http.Enabled)
	assert.True(t, cfg.Websockets.Enabled)
	assert.False(t, cfg.Coap.Enabled)
	assert.False(t, cfg.Mqtt.Enabled)
	// default ports fill in for bindings enabled by mode letter
	assert.Equal(t, config.DefaultHttpPort, cfg.Http.Port)
}

func TestValidateRejectsPartialTLS(t *testing.T) {
	logrus.Infof("--- TestValidateRejectsPartialTLS ---")
	configFile := writeTestConfig(t, "name: servient1\ntls:\n  serverCertFile: cert.pem\n")
	cfg := config.CreateServientConfig("servient1")
	assert.Error(t, cfg.Load(configFile))
}

func TestValidateRejectsRemoteThingWithoutSource(t *testing.T) {
	logrus.Infof("--- TestValidateRejectsRemoteThingWithoutSource ---")
	configFile := writeTestConfig(t, "name: servient1\nremoteThings:\n  - title: remote thing\n")
	cfg := config.CreateServientConfig("servient1")
	assert.Error(t, cfg.Load(configFile))
}

func TestBuildServient(t *testing.T) {
	logrus.Infof("--- TestBuildServient ---")
	os.Setenv("SERVIENT_TEST_PASSWORD", "secret1")
	defer os.Unsetenv("SERVIENT_TEST_PASSWORD")
	configFile := writeTestConfig(t, testConfigYaml)

	cfg := config.CreateServientConfig("servient1")
	require.NoError(t, cfg.Load(configFile))
	sv, err := cfg.BuildServient()
	require.NoError(t, err)

	assert.NotNil(t, sv.GetServer(vocab.ProtocolHTTP))
	assert.NotNil(t, sv.GetClient(vocab.ProtocolHTTP))
	assert.NotNil(t, sv.GetServer(vocab.ProtocolWebsockets))
	assert.Nil(t, sv.GetServer(vocab.ProtocolMQTT))

	credentials := sv.GetCredentials("remote sensor")
	require.NotNil(t, credentials)
	assert.Equal(t, "secret1", credentials["password"])
}

func TestWatchCredentials(t *testing.T) {
	logrus.Infof("--- TestWatchCredentials ---")
	configFile := writeTestConfig(t, "name: servient1\n")
	cfg := config.CreateServientConfig("servient1")
	require.NoError(t, cfg.Load(configFile))
	sv, err := cfg.BuildServient()
	require.NoError(t, err)

	watcher, err := config.WatchCredentials(configFile, sv)
	require.NoError(t, err)
	defer watcher.Close()

	updated := "name: servient1\ncredentials:\n  remote sensor:\n    username: user2\n"
	require.NoError(t, os.WriteFile(configFile, []byte(updated), 0600))

	assert.Eventually(t, func() bool {
		credentials := sv.GetCredentials("remote sensor")
		return credentials != nil && credentials["username"] == "user2"
	}, 3*time.Second, 50*time.Millisecond)
}
