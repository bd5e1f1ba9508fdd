package thing_test

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

const testDeviceID = "device1"
const testDeviceType = vocab.DeviceTypeSensor

func createTestTD() *thing.ThingTD {
	thingID := thing.CreateThingID("", testDeviceID, testDeviceType)
	td := thing.CreateTD(thingID, "Test Device", testDeviceType)
	td.AddProperty("temperature", "Current temperature", vocab.WoTDataTypeNumber)
	td.AddAction("increment", "Increment counter", vocab.WoTDataTypeInteger)
	td.AddEvent("overheated", "Overheated", vocab.WoTDataTypeString)
	return td
}

func TestCreateTD(t *testing.T) {
	logrus.Infof("--- TestCreateTD ---")
	td := createTestTD()
	require.NotNil(t, td)
	assert.Equal(t, "urn:local:device1:sensor", td.ID)
	assert.Equal(t, "test-device", td.UrlName())
	assert.NotNil(t, td.GetProperty("temperature"))
	assert.NotNil(t, td.GetAction("increment"))
	assert.NotNil(t, td.GetEvent("overheated"))
	assert.Nil(t, td.GetProperty("notaproperty"))
	assert.NoError(t, td.Validate())
}

func TestCreateThingIDZone(t *testing.T) {
	logrus.Infof("--- TestCreateThingIDZone ---")
	thingID := thing.CreateThingID("zone2", testDeviceID, testDeviceType)
	assert.Equal(t, "urn:zone2:device1:sensor", thingID)
}

func TestRoundTrip(t *testing.T) {
	logrus.Infof("--- TestRoundTrip ---")
	td := createTestTD()
	prop := td.GetProperty("temperature")
	prop.Observable = true
	prop.Unit = "C"

	doc, err := json.Marshal(td)
	require.NoError(t, err)

	td2, err := thing.ParseTD(doc)
	require.NoError(t, err)
	assert.Equal(t, td.ID, td2.ID)
	assert.Equal(t, td.Title, td2.Title)
	prop2 := td2.GetProperty("temperature")
	require.NotNil(t, prop2)
	assert.True(t, prop2.Observable)
	assert.Equal(t, "C", prop2.Unit)
	assert.Equal(t, vocab.WoTDataTypeNumber, prop2.Type)
	require.NotNil(t, td2.GetAction("increment"))
	assert.Equal(t, vocab.WoTDataTypeInteger, td2.GetAction("increment").Input.Type)
}

func TestRoundTripKeepsUnknownFields(t *testing.T) {
	logrus.Infof("--- TestRoundTripKeepsUnknownFields ---")
	doc := []byte(`{
		"@context": "https://www.w3.org/2019/wot/td/v1",
		"id": "urn:local:device1:sensor",
		"title": "Test Device",
		"security": "nosec_sc",
		"securityDefinitions": {"nosec_sc": {"scheme": "nosec"}},
		"customField": {"answer": 42}
	}`)
	td, err := thing.ParseTD(doc)
	require.NoError(t, err)

	emitted, err := json.Marshal(td)
	require.NoError(t, err)
	var asMap map[string]interface{}
	err = json.Unmarshal(emitted, &asMap)
	require.NoError(t, err)
	custom, found := asMap["customField"].(map[string]interface{})
	require.True(t, found)
	assert.EqualValues(t, 42, custom["answer"])
}

func TestParseSingleStringSecurity(t *testing.T) {
	logrus.Infof("--- TestParseSingleStringSecurity ---")
	doc := []byte(`{
		"@context": "https://www.w3.org/2019/wot/td/v1",
		"id": "urn:local:device1:sensor",
		"title": "Test Device",
		"security": "basic_sc",
		"securityDefinitions": {"basic_sc": {"scheme": "basic", "in": "header"}},
		"properties": {
			"status": {
				"type": "string",
				"forms": [{"href": "http://localhost/status", "op": "readproperty"}]
			}
		}
	}`)
	td, err := thing.ParseTD(doc)
	require.NoError(t, err)
	assert.Equal(t, thing.StringList{"basic_sc"}, td.Security)
	prop := td.GetProperty("status")
	require.NotNil(t, prop)
	require.Equal(t, 1, len(prop.Forms))
	assert.True(t, prop.Forms[0].HasOp(vocab.OpReadProperty))
}

func TestValidateMissingFields(t *testing.T) {
	logrus.Infof("--- TestValidateMissingFields ---")
	td := createTestTD()
	td.Title = ""
	assert.Error(t, td.Validate())

	td = createTestTD()
	td.Security = nil
	assert.Error(t, td.Validate())

	td = createTestTD()
	td.Security = thing.StringList{"undefined_sc"}
	assert.Error(t, td.Validate())
}

func TestValidateBadInteractionName(t *testing.T) {
	logrus.Infof("--- TestValidateBadInteractionName ---")
	td := createTestTD()
	td.AddProperty("bad name!", "Bad name", vocab.WoTDataTypeString)
	assert.Error(t, td.Validate())
}

func TestValidateDuplicateName(t *testing.T) {
	logrus.Infof("--- TestValidateDuplicateName ---")
	td := createTestTD()
	// the same name in two interaction maps is a conflict
	td.AddAction("temperature", "Conflicts with the property", vocab.WoTDataTypeNumber)
	assert.Error(t, td.Validate())
}

func TestValidateDuplicateSlug(t *testing.T) {
	logrus.Infof("--- TestValidateDuplicateSlug ---")
	td := createTestTD()
	// distinct names that collapse to the same URL-safe name
	td.AddProperty("my_prop", "Prop one", vocab.WoTDataTypeString)
	td.AddProperty("my-prop", "Prop two", vocab.WoTDataTypeString)
	assert.Error(t, td.Validate())
}

func TestValidateFormWithoutHref(t *testing.T) {
	logrus.Infof("--- TestValidateFormWithoutHref ---")
	td := createTestTD()
	prop := td.GetProperty("temperature")
	prop.Forms = []thing.Form{{Op: thing.StringList{vocab.OpReadProperty}}}
	assert.Error(t, td.Validate())
}

func TestRemoveInteraction(t *testing.T) {
	logrus.Infof("--- TestRemoveInteraction ---")
	td := createTestTD()
	assert.Equal(t, vocab.InteractionTypeProperty, td.RemoveInteraction("temperature"))
	assert.Nil(t, td.GetProperty("temperature"))
	assert.Equal(t, vocab.InteractionTypeAction, td.RemoveInteraction("increment"))
	assert.Equal(t, vocab.InteractionTypeEvent, td.RemoveInteraction("overheated"))
	assert.Equal(t, "", td.RemoveInteraction("notathing"))
}

func TestAutoForms(t *testing.T) {
	logrus.Infof("--- TestAutoForms ---")
	td := createTestTD()
	httpForm := thing.Form{
		Href:     "http://localhost:8080/test-device/property/temperature",
		Op:       thing.StringList{vocab.OpReadProperty},
		Protocol: vocab.ProtocolHTTP,
	}
	mqttForm := thing.Form{
		Href:     "mqtt://localhost:1883/servient1/property/test-device/temperature",
		Op:       thing.StringList{vocab.OpObserveProperty},
		Protocol: vocab.ProtocolMQTT,
	}
	td.AddAutoForm("temperature", httpForm)
	td.AddAutoForm("temperature", mqttForm)
	// adding the same form again must not duplicate it
	td.AddAutoForm("temperature", httpForm)

	forms := td.GetForms("temperature")
	assert.Equal(t, 2, len(forms))

	// auto forms must appear in the emitted document
	doc, err := json.Marshal(td)
	require.NoError(t, err)
	td2, err := thing.ParseTD(doc)
	require.NoError(t, err)
	assert.Equal(t, 2, len(td2.GetProperty("temperature").Forms))

	// removing one protocol leaves the other
	td.CleanAutoForms(vocab.ProtocolHTTP)
	forms = td.GetForms("temperature")
	require.Equal(t, 1, len(forms))
	assert.Equal(t, vocab.ProtocolMQTT, forms[0].Protocol)

	td.CleanAutoForms("")
	assert.Equal(t, 0, len(td.GetForms("temperature")))
}

func TestAutoFormsPreserveDeclared(t *testing.T) {
	logrus.Infof("--- TestAutoFormsPreserveDeclared ---")
	td := createTestTD()
	prop := td.GetProperty("temperature")
	prop.Forms = []thing.Form{{
		Href: "coap://device.local/temperature",
		Op:   thing.StringList{vocab.OpReadProperty},
	}}
	td.AddAutoForm("temperature", thing.Form{
		Href:     "http://localhost:8080/test-device/property/temperature",
		Op:       thing.StringList{vocab.OpReadProperty},
		Protocol: vocab.ProtocolHTTP,
	})
	td.CleanAutoForms("")
	forms := td.GetForms("temperature")
	require.Equal(t, 1, len(forms))
	assert.Equal(t, "coap://device.local/temperature", forms[0].Href)
}

func TestFormIdentity(t *testing.T) {
	logrus.Infof("--- TestFormIdentity ---")
	form1 := thing.Form{Href: "http://localhost/a", Op: thing.StringList{"readproperty", "writeproperty"}}
	form2 := thing.Form{Href: "http://localhost/a", Op: thing.StringList{"writeproperty", "readproperty"}}
	form3 := thing.Form{Href: "http://localhost/b", Op: thing.StringList{"readproperty"}}
	assert.Equal(t, form1.ID(), form2.ID())
	assert.NotEqual(t, form1.ID(), form3.ID())
}

func TestFormResolve(t *testing.T) {
	logrus.Infof("--- TestFormResolve ---")
	form := thing.Form{Href: "/things/device1/property/temperature"}
	assert.Equal(t, "http", form.Scheme("http://localhost:8080"))
	assert.Equal(t, "http://localhost:8080/things/device1/property/temperature",
		form.Resolve("http://localhost:8080"))

	absolute := thing.Form{Href: "mqtt://broker:1883/topic"}
	assert.Equal(t, "mqtt", absolute.Scheme(""))
	assert.Equal(t, "mqtt://broker:1883/topic", absolute.Resolve("http://localhost:8080"))
}

func TestInteractionOutput(t *testing.T) {
	logrus.Infof("--- TestInteractionOutput ---")
	schema := &thing.DataSchema{Type: vocab.WoTDataTypeInteger}
	io1 := thing.NewInteractionOutput(42, schema)
	assert.Equal(t, 42, io1.ValueAsInt())

	io2 := thing.NewInteractionOutputFromJson([]byte(`"hello"`), nil)
	assert.Equal(t, "hello", io2.ValueAsString())

	io3 := thing.NewInteractionOutputFromJson([]byte(`{"a": 1}`), nil)
	asMap := io3.ValueAsMap()
	require.NotNil(t, asMap)
	assert.EqualValues(t, 1, asMap["a"])

	io4 := thing.NewInteractionOutput(true, nil)
	assert.True(t, io4.ValueAsBoolean())

	io5 := thing.NewInteractionOutput([]interface{}{1, 2}, nil)
	assert.Equal(t, 2, len(io5.ValueAsArray()))
}

func TestThingStore(t *testing.T) {
	logrus.Infof("--- TestThingStore ---")
	store := thing.NewThingStore()
	td := createTestTD()
	store.AddTD(td)

	assert.Equal(t, td, store.GetByID(td.ID))
	assert.Equal(t, td, store.GetByName("Test Device"))
	assert.Equal(t, td, store.GetByName("test-device"))
	assert.Nil(t, store.GetByName("unknown"))
	assert.Equal(t, 1, len(store.GetIDs()))
	assert.Equal(t, 1, len(store.GetAll()))

	store.Remove(td.ID)
	assert.Nil(t, store.GetByID(td.ID))
	assert.Equal(t, 0, len(store.GetIDs()))
}
