package wsbinding_test

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
	"github.com/wostzone/servient-go/pkg/protocols/wsbinding"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

const testPort = 9679
const testHostname = "localhost"

func startTestSetup(t *testing.T) (*wsbinding.WsBindingServer, *exposedthing.ExposedThing, *wsbinding.WsBindingClient) {
	thingID := thing.CreateThingID("", "device1", vocab.DeviceTypeSensor)
	td := thing.CreateTD(thingID, "test device", vocab.DeviceTypeSensor)
	prop := td.AddProperty("prop1", "Property 1", vocab.WoTDataTypeInteger)
	prop.ReadOnly = false
	prop.Observable = true
	td.AddAction("action1", "Action 1", vocab.WoTDataTypeString)
	td.AddEvent("event1", "Event 1", vocab.WoTDataTypeString)

	server := wsbinding.CreateWsBindingServer(testPort, 0)
	require.NoError(t, server.Start())

	for _, name := range td.InteractionNames() {
		for _, form := range server.BuildForms(testHostname, td, name) {
			td.AddAutoForm(name, form)
		}
	}

	eThing := exposedthing.CreateExposedThing(td)
	eThing.Expose()
	server.AddExposedThing(eThing)

	client := wsbinding.CreateWsBindingClient(nil)
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
	ctx := context.Background()

	assert.True(t, client.IsSupportedInteraction(eThing.TD, "prop1"))

	require.NoError(t, client.WriteProperty(ctx, eThing.TD, "prop1", 42))
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
			return nil, fmt.Errorf("out of order")
		})

	_, err := client.InvokeAction(context.Background(), eThing.TD, "action1", "input1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrHandler))
	assert.Contains(t, err.Error(), "out of order")
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

	require.NoError(t, eThing.WriteProperty("prop1", 25))
	assert.Eventually(t, func() bool {
		value, _ := rxValue.Load().(float64)
		return value == 25
	}, 3*time.Second, 20*time.Millisecond)

	observation.Stop()
}

func TestSubscribeEventAndUnsubscribe(t *testing.T) {
	logrus.Infof("--- TestSubscribeEventAndUnsubscribe ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	var rxCount int32
	var completed int32
	observation, err := client.SubscribeEvent(eThing.TD, "event1")
	require.NoError(t, err)
	observation.Subject.Subscribe(eventbus.Observer{
		Next: func(ev eventbus.EmittedEvent) {
			atomic.AddInt32(&rxCount, 1)
		},
		Complete: func() {
			atomic.AddInt32(&completed, 1)
		},
	})

	require.NoError(t, eThing.EmitEvent("event1", "payload1"))
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&rxCount) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// after unsubscribing the stream completes and emissions no longer arrive
	observation.Stop()
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&completed) == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, eThing.EmitEvent("event1", "payload2"))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rxCount))
}

func TestBasicAuth(t *testing.T) {
	logrus.Infof("--- TestBasicAuth ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()
	ctx := context.Background()

	eThing.TD.Security = thing.StringList{"basic_sc"}
	eThing.TD.SecurityDefinitions = map[string]*thing.SecurityScheme{
		"basic_sc": {Scheme: vocab.SecuritySchemeBasic},
	}
	credentials := map[string]interface{}{"username": "user1", "password": "pass1"}
	server.SetThingCredentials(eThing.TD.ID, credentials)

	// the unsigned upgrade is rejected
	err := client.WriteProperty(ctx, eThing.TD, "prop1", 42)
	require.Error(t, err)

	signed := wsbinding.CreateWsBindingClient(nil)
	defer signed.Stop()
	require.True(t, signed.SetSecurity(eThing.TD.SecurityDefinitions, credentials))
	assert.NoError(t, signed.WriteProperty(ctx, eThing.TD, "prop1", 42))
}

func TestGeneratedForms(t *testing.T) {
	logrus.Infof("--- TestGeneratedForms ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	form := protocols.FindForm(eThing.TD, "prop1", vocab.OpObserveProperty, vocab.SchemeWS)
	require.NotNil(t, form)
	assert.Equal(t, "jsonrpc", form.Subprotocol)
	assert.Contains(t, form.Href, fmt.Sprintf("ws://%s:%d/", testHostname, testPort))

	form = protocols.FindForm(eThing.TD, "event1", vocab.OpSubscribeEvent, vocab.SchemeWS)
	assert.NotNil(t, form)
}
