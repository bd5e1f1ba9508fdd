package coapbinding_test

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
	"github.com/wostzone/servient-go/pkg/protocols/coapbinding"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

const testPort = 56831
const testHostname = "localhost"

func startTestSetup(t *testing.T) (*coapbinding.CoapBindingServer, *exposedthing.ExposedThing, *coapbinding.CoapBindingClient) {
	thingID := thing.CreateThingID("", "device1", vocab.DeviceTypeSensor)
	td := thing.CreateTD(thingID, "test device", vocab.DeviceTypeSensor)
	prop := td.AddProperty("prop1", "Property 1", vocab.WoTDataTypeInteger)
	prop.ReadOnly = false
	prop.Observable = true
	td.AddAction("action1", "Action 1", vocab.WoTDataTypeString)
	td.AddEvent("event1", "Event 1", vocab.WoTDataTypeString)

	server := coapbinding.CreateCoapBindingServer(testPort, 0)
	require.NoError(t, server.Start())

	for _, name := range td.InteractionNames() {
		for _, form := range server.BuildForms(testHostname, td, name) {
			td.AddAutoForm(name, form)
		}
	}

	eThing := exposedthing.CreateExposedThing(td)
	eThing.Expose()
	server.AddExposedThing(eThing)

	client := coapbinding.CreateCoapBindingClient()
	return server, eThing, client
}

func TestStartStop(t *testing.T) {
	logrus.Infof("--- TestStartStop ---")
	server, _, client := startTestSetup(t)
	client.Stop()
	assert.NoError(t, server.Start())
	assert.NoError(t, server.Stop())
	assert.NoError(t, server.Stop())
}

func TestReadWriteProperty(t *testing.T) {
	logrus.Infof("--- TestReadWriteProperty ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	assert.True(t, client.IsSupportedInteraction(eThing.TD, "prop1"))

	require.NoError(t, client.WriteProperty(ctx, eThing.TD, "prop1", 42))
	value, err := client.ReadProperty(ctx, eThing.TD, "prop1")
	require.NoError(t, err)
	assert.Equal(t, 42, value.ValueAsInt())
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := client.InvokeAction(ctx, eThing.TD, "action1", "input1")
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
			return nil, fmt.Errorf("jammed rotor")
		})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.InvokeAction(ctx, eThing.TD, "action1", "input1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrHandler))
	assert.Contains(t, err.Error(), "jammed rotor")
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
			if ev.Value != nil {
				rxValue.Store(ev.Value)
			}
		},
	})
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
			if ev.Value != nil {
				rxPayload.Store(ev.Value)
			}
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
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// switch the thing to basic security
	eThing.TD.Security = thing.StringList{"basic_sc"}
	eThing.TD.SecurityDefinitions = map[string]*thing.SecurityScheme{
		"basic_sc": {Scheme: vocab.SecuritySchemeBasic},
	}
	credentials := map[string]interface{}{"username": "user1", "password": "pass1"}
	server.SetThingCredentials(eThing.TD.ID, credentials)

	// the unsigned client is rejected and the handler is not reached
	_, err := client.ReadProperty(ctx, eThing.TD, "prop1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrUnauthorized))
	err = client.WriteProperty(ctx, eThing.TD, "prop1", 42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrUnauthorized))
	// the rejected write never reached the thing, so it still has no value
	_, err = eThing.ReadProperty("prop1")
	assert.Error(t, err)

	// with the credential installed the requests pass
	ok := client.SetSecurity(eThing.TD.SecurityDefinitions, credentials)
	require.True(t, ok)
	require.NoError(t, client.WriteProperty(ctx, eThing.TD, "prop1", 42))
	result, err := client.ReadProperty(ctx, eThing.TD, "prop1")
	require.NoError(t, err)
	assert.Equal(t, 42, result.ValueAsInt())

	// a wrong password is rejected
	wrong := map[string]interface{}{"username": "user1", "password": "wrong"}
	require.True(t, client.SetSecurity(eThing.TD.SecurityDefinitions, wrong))
	err = client.WriteProperty(ctx, eThing.TD, "prop1", 43)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrUnauthorized))
}

func TestGeneratedForms(t *testing.T) {
	logrus.Infof("--- TestGeneratedForms ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	form := protocols.FindForm(eThing.TD, "prop1", vocab.OpReadProperty, vocab.SchemeCoAP)
	require.NotNil(t, form)
	assert.Contains(t, form.Href, "/property?thing=test-device&name=prop1")

	form = protocols.FindForm(eThing.TD, "action1", vocab.OpInvokeAction, vocab.SchemeCoAP)
	require.NotNil(t, form)
	assert.Contains(t, form.Href, "/action?")

	form = protocols.FindForm(eThing.TD, "event1", vocab.OpSubscribeEvent, vocab.SchemeCoAP)
	require.NotNil(t, form)
	assert.Contains(t, form.Href, "/event?")
}
