package httpbinding_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/exposedthing"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/protocols/httpbinding"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

const testPort = 9678
const testHostname = "localhost"

// startTestSetup starts a binding server with one exposed test thing and
// returns the server, the exposed thing and a connected client.
func startTestSetup(t *testing.T) (*httpbinding.HttpBindingServer, *exposedthing.ExposedThing, *httpbinding.HttpBindingClient) {
	thingID := thing.CreateThingID("", "device1", vocab.DeviceTypeSensor)
	td := thing.CreateTD(thingID, "test device", vocab.DeviceTypeSensor)
	prop := td.AddProperty("prop1", "Property 1", vocab.WoTDataTypeInteger)
	prop.ReadOnly = false
	prop.Observable = true
	td.AddAction("action1", "Action 1", vocab.WoTDataTypeString)
	td.AddEvent("event1", "Event 1", vocab.WoTDataTypeString)

	server := httpbinding.CreateHttpBindingServer(testPort, 0)
	server.PollTimeout = time.Second
	err := server.Start()
	require.NoError(t, err)

	for _, name := range td.InteractionNames() {
		for _, form := range server.BuildForms(testHostname, td, name) {
			td.AddAutoForm(name, form)
		}
	}

	eThing := exposedthing.CreateExposedThing(td)
	eThing.Expose()
	server.AddExposedThing(eThing)

	client := httpbinding.CreateHttpBindingClient(nil)
	return server, eThing, client
}

func TestStartStop(t *testing.T) {
	logrus.Infof("--- TestStartStop ---")
	server, _, client := startTestSetup(t)
	client.Stop()

	// starting twice is a no-op, stopping twice is too
	assert.NoError(t, server.Start())
	assert.NoError(t, server.Stop())
	assert.NoError(t, server.Stop())
}

func TestPortConflict(t *testing.T) {
	logrus.Infof("--- TestPortConflict ---")
	server, _, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	conflicting := httpbinding.CreateHttpBindingServer(testPort, 0)
	assert.Error(t, conflicting.Start())
}

func TestReadWriteProperty(t *testing.T) {
	logrus.Infof("--- TestReadWriteProperty ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()
	ctx := context.Background()

	assert.True(t, client.IsSupportedInteraction(eThing.TD, "prop1"))

	err := client.WriteProperty(ctx, eThing.TD, "prop1", 42)
	require.NoError(t, err)

	value, err := client.ReadProperty(ctx, eThing.TD, "prop1")
	require.NoError(t, err)
	assert.Equal(t, 42, value.ValueAsInt())
}

func TestReadPropertyWithoutValue(t *testing.T) {
	logrus.Infof("--- TestReadPropertyWithoutValue ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	_, err := client.ReadProperty(context.Background(), eThing.TD, "prop1")
	assert.Error(t, err)
}

func TestReadPropertyOfHiddenThing(t *testing.T) {
	logrus.Infof("--- TestReadPropertyOfHiddenThing ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	eThing.Destroy()
	_, err := client.ReadProperty(context.Background(), eThing.TD, "prop1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrProtocol))
}

func TestInvokeAction(t *testing.T) {
	logrus.Infof("--- TestInvokeAction ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	eThing.SetActionHandler("action1",
		func(eThing *exposedthing.ExposedThing, name string, input *thing.InteractionOutput) (interface{}, error) {
			return "handled:" + input.ValueAsString(), nil
		})

	result, err := client.InvokeAction(context.Background(), eThing.TD, "action1", "input1")
	require.NoError(t, err)
	assert.Equal(t, "handled:input1", result.ValueAsString())
}

func TestInvokeActionHandlerError(t *testing.T) {
	logrus.Infof("--- TestInvokeActionHandlerError ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	eThing.SetActionHandler("action1",
		func(eThing *exposedthing.ExposedThing, name string, input *thing.InteractionOutput) (interface{}, error) {
			return nil, fmt.Errorf("device is on fire")
		})

	_, err := client.InvokeAction(context.Background(), eThing.TD, "action1", "input1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrHandler))
	assert.Contains(t, err.Error(), "device is on fire")
}

func TestObserveProperty(t *testing.T) {
	logrus.Infof("--- TestObserveProperty ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	var rxValue atomic.Value
	observation, err := client.ObserveProperty(eThing.TD, "prop1")
	require.NoError(t, err)
	observation.Subject.Subscribe(eventbus.Observer{
		Next: func(ev eventbus.EmittedEvent) {
			rxValue.Store(ev.Value)
		},
	})
	// let the long-poll settle before emitting
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, eThing.WriteProperty("prop1", 25))
	assert.Eventually(t, func() bool {
		value, _ := rxValue.Load().(float64)
		return value == 25
	}, 3*time.Second, 20*time.Millisecond)

	observation.Stop()
}

func TestSubscribeEvent(t *testing.T) {
	logrus.Infof("--- TestSubscribeEvent ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	var rxPayload atomic.Value
	observation, err := client.SubscribeEvent(eThing.TD, "event1")
	require.NoError(t, err)
	observation.Subject.Subscribe(eventbus.Observer{
		Next: func(ev eventbus.EmittedEvent) {
			rxPayload.Store(ev.Value)
		},
	})
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, eThing.EmitEvent("event1", "payload1"))
	assert.Eventually(t, func() bool {
		payload, _ := rxPayload.Load().(string)
		return payload == "payload1"
	}, 3*time.Second, 20*time.Millisecond)

	observation.Stop()
}

func TestBasicAuth(t *testing.T) {
	logrus.Infof("--- TestBasicAuth ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()
	ctx := context.Background()

	// switch the thing to basic security
	eThing.TD.Security = thing.StringList{"basic_sc"}
	eThing.TD.SecurityDefinitions = map[string]*thing.SecurityScheme{
		"basic_sc": {Scheme: vocab.SecuritySchemeBasic},
	}
	credentials := map[string]interface{}{"username": "user1", "password": "pass1"}
	server.SetThingCredentials(eThing.TD.ID, credentials)

	// the unsigned client is rejected
	err := client.WriteProperty(ctx, eThing.TD, "prop1", 42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrUnauthorized))

	// with the credential installed the request passes
	ok := client.SetSecurity(eThing.TD.SecurityDefinitions, credentials)
	require.True(t, ok)
	assert.NoError(t, client.WriteProperty(ctx, eThing.TD, "prop1", 42))
}

func TestGeneratedForms(t *testing.T) {
	logrus.Infof("--- TestGeneratedForms ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	// read/write and observe forms for the writable observable property
	form := protocols.FindForm(eThing.TD, "prop1", vocab.OpWriteProperty, vocab.SchemeHTTP)
	require.NotNil(t, form)
	assert.Contains(t, form.Href, fmt.Sprintf("%s:%d", testHostname, testPort))

	form = protocols.FindForm(eThing.TD, "prop1", vocab.OpObserveProperty, vocab.SchemeHTTP)
	require.NotNil(t, form)
	assert.Equal(t, "longpoll", form.Subprotocol)

	form = protocols.FindForm(eThing.TD, "action1", vocab.OpInvokeAction, vocab.SchemeHTTP)
	assert.NotNil(t, form)
	form = protocols.FindForm(eThing.TD, "event1", vocab.OpSubscribeEvent, vocab.SchemeHTTP)
	assert.NotNil(t, form)
}
