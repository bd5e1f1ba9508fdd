package servient_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getCatalogue(t *testing.T, path string) (int, map[string]interface{}) {
	resp, err := http.Get(fmt.Sprintf("http://%s:%d%s", testHostname, testCataloguePort, path))
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestCatalogueIndex(t *testing.T) {
	logrus.Infof("--- TestCatalogueIndex ---")
	sv, _ := createTestServient()
	require.NoError(t, sv.Start())
	defer sv.Shutdown()

	status, index := getCatalogue(t, "/")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/test-device", index["test device"])
}

func TestCatalogueExpanded(t *testing.T) {
	logrus.Infof("--- TestCatalogueExpanded ---")
	sv, eThing := createTestServient()
	require.NoError(t, sv.Start())
	defer sv.Shutdown()

	status, index := getCatalogue(t, "/?expanded=1")
	require.Equal(t, http.StatusOK, status)
	td, ok := index["test device"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, eThing.TD.ID, td["id"])
	base, _ := td["base"].(string)
	assert.Contains(t, base, fmt.Sprintf("http://%s:%d", testHostname, testHttpPort))
}

func TestCatalogueThingTD(t *testing.T) {
	logrus.Infof("--- TestCatalogueThingTD ---")
	sv, eThing := createTestServient()
	require.NoError(t, sv.Start())
	defer sv.Shutdown()

	status, td := getCatalogue(t, "/test-device")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, eThing.TD.ID, td["id"])
	properties, ok := td["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, properties, "prop1")
}

func TestCatalogueUnknownThing(t *testing.T) {
	logrus.Infof("--- TestCatalogueUnknownThing ---")
	sv, _ := createTestServient()
	require.NoError(t, sv.Start())
	defer sv.Shutdown()

	status, _ := getCatalogue(t, "/no-such-thing")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCatalogueOmitsDisabledThing(t *testing.T) {
	logrus.Infof("--- TestCatalogueOmitsDisabledThing ---")
	sv, _ := createTestServient()
	require.NoError(t, sv.Start())
	defer sv.Shutdown()

	require.NoError(t, sv.DisableExposedThing("test device"))
	status, index := getCatalogue(t, "/")
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, index, "test device")

	status, _ = getCatalogue(t, "/test-device")
	assert.Equal(t, http.StatusNotFound, status)
}
