package mqttbinding_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/exposedthing"
	"github.com/wostzone/servient-go/pkg/logging"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/protocols/mqttbinding"
	"github.com/wostzone/servient-go/pkg/testenv"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

const testHostname = "localhost"

var testBrokerURL = fmt.Sprintf("tcp://%s:%d", testHostname, testenv.MqttPort)

var testMosqCmd *exec.Cmd
var testTempFolder string

// TestMain runs the suite against a live mosquitto instance
func TestMain(m *testing.M) {
	logging.SetLogging("info", "")
	var err error
	testTempFolder, err = os.MkdirTemp("", "servient-go-")
	if err != nil {
		logrus.Fatalf("Unable to create temp folder: %s", err)
	}
	testMosqCmd, err = testenv.StartMosquitto(testTempFolder)
	if err != nil {
		logrus.Fatalf("Unable to start mosquitto: %s", err)
	}

	result := m.Run()

	testenv.StopMosquitto(testMosqCmd)
	_ = os.RemoveAll(testTempFolder)
	os.Exit(result)
}

func createBindingTestTD(deviceID string) *thing.ThingTD {
	thingID := thing.CreateThingID("", deviceID, vocab.DeviceTypeSensor)
	td := thing.CreateTD(thingID, "test "+deviceID, vocab.DeviceTypeSensor)
	prop := td.AddProperty("prop1", "Property 1", vocab.WoTDataTypeInteger)
	prop.ReadOnly = false
	prop.Observable = true
	td.AddAction("action1", "Action 1", vocab.WoTDataTypeString)
	td.AddEvent("event1", "Event 1", vocab.WoTDataTypeString)
	return td
}

func startTestSetup(t *testing.T) (*mqttbinding.MqttBindingServer, *exposedthing.ExposedThing, *mqttbinding.MqttBindingClient) {
	td := createBindingTestTD("device1")
	server := mqttbinding.CreateMqttBindingServer(testBrokerURL, "servient1", nil)
	require.NoError(t, server.Start())

	for _, name := range td.InteractionNames() {
		for _, form := range server.BuildForms(testHostname, td, name) {
			td.AddAutoForm(name, form)
		}
	}
	eThing := exposedthing.CreateExposedThing(td)
	eThing.Expose()
	server.AddExposedThing(eThing)

	client := mqttbinding.CreateMqttBindingClient(nil)
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
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.True(t, client.IsSupportedInteraction(eThing.TD, "prop1"))

	require.NoError(t, client.WriteProperty(ctx, eThing.TD, "prop1", 42))
	value, err := client.ReadProperty(ctx, eThing.TD, "prop1")
	require.NoError(t, err)
	assert.Equal(t, 42, value.ValueAsInt())
}

func TestWriteFireAndForget(t *testing.T) {
	logrus.Infof("--- TestWriteFireAndForget ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client.WaitForAck = false
	require.NoError(t, client.WriteProperty(ctx, eThing.TD, "prop1", 43))

	// the write is applied even though the client did not await the ack
	assert.Eventually(t, func() bool {
		value, err := eThing.ReadProperty("prop1")
		return err == nil && value.ValueAsInt() == 43
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWriteHandlerError(t *testing.T) {
	logrus.Infof("--- TestWriteHandlerError ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eThing.SetPropertyWriteHandler("prop1",
		func(eThing *exposedthing.ExposedThing, name string, value *thing.InteractionOutput) error {
			return fmt.Errorf("stuck valve")
		})

	err := client.WriteProperty(ctx, eThing.TD, "prop1", 44)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrHandler))
	assert.Contains(t, err.Error(), "stuck valve")
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

func TestInvokeActionCorrelation(t *testing.T) {
	logrus.Infof("--- TestInvokeActionCorrelation ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	// the handler is slow enough that both invocations are in flight at once
	eThing.SetActionHandler("action1",
		func(eThing *exposedthing.ExposedThing, name string, input *thing.InteractionOutput) (interface{}, error) {
			time.Sleep(200 * time.Millisecond)
			return "handled:" + input.ValueAsString(), nil
		})

	results := make(chan string, 2)
	invoke := func(input string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		result, err := client.InvokeAction(ctx, eThing.TD, "action1", input)
		if err != nil {
			results <- "error:" + err.Error()
			return
		}
		results <- input + "->" + result.ValueAsString()
	}
	go invoke("a")
	go invoke("b")

	// each caller receives the result correlated to its own invocation
	collected := make(map[string]bool)
	for i := 0; i < 2; i++ {
		collected[<-results] = true
	}
	assert.True(t, collected["a->handled:a"])
	assert.True(t, collected["b->handled:b"])
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

func TestObservePropertyFanOut(t *testing.T) {
	logrus.Infof("--- TestObservePropertyFanOut ---")
	server, eThing, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	// two independent observations both receive the change
	var rxValue1, rxValue2 atomic.Value
	observation1, err := client.ObserveProperty(eThing.TD, "prop1")
	require.NoError(t, err)
	observation1.Subject.Subscribe(eventbus.Observer{
		Next: func(ev eventbus.EmittedEvent) { rxValue1.Store(ev.Value) },
	})
	observation2, err := client.ObserveProperty(eThing.TD, "prop1")
	require.NoError(t, err)
	observation2.Subject.Subscribe(eventbus.Observer{
		Next: func(ev eventbus.EmittedEvent) { rxValue2.Store(ev.Value) },
	})
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, eThing.WriteProperty("prop1", 25))
	assert.Eventually(t, func() bool {
		value1, _ := rxValue1.Load().(float64)
		value2, _ := rxValue2.Load().(float64)
		return value1 == 25 && value2 == 25
	}, 3*time.Second, 20*time.Millisecond)

	observation1.Stop()
	observation2.Stop()
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

func TestLateExposeIsWired(t *testing.T) {
	logrus.Infof("--- TestLateExposeIsWired ---")
	server, _, client := startTestSetup(t)
	defer server.Stop()
	defer client.Stop()

	// the second thing is added before it is exposed
	td := createBindingTestTD("device2")
	for _, name := range td.InteractionNames() {
		for _, form := range server.BuildForms(testHostname, td, name) {
			td.AddAutoForm(name, form)
		}
	}
	eThing2 := exposedthing.CreateExposedThing(td)
	server.AddExposedThing(eThing2)

	eThing2.Expose()
	require.NoError(t, eThing2.WriteProperty("prop1", 7))

	// the periodic check wires the thing once it is exposed
	assert.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		value, err := client.ReadProperty(ctx, td, "prop1")
		return err == nil && value.ValueAsInt() == 7
	}, 8*time.Second, 100*time.Millisecond)
}

func TestReconnectResubscribes(t *testing.T) {
	logrus.Infof("--- TestReconnectResubscribes ---")
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
	defer observation.Stop()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, eThing.EmitEvent("event1", "before"))
	assert.Eventually(t, func() bool {
		payload, _ := rxPayload.Load().(string)
		return payload == "before"
	}, 3*time.Second, 20*time.Millisecond)

	// restart the broker; both ends reconnect and replay their subscriptions
	testenv.StopMosquitto(testMosqCmd)
	testMosqCmd, err = testenv.StartMosquitto(testTempFolder)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_ = eThing.EmitEvent("event1", "after")
		payload, _ := rxPayload.Load().(string)
		return payload == "after"
	}, 15*time.Second, 500*time.Millisecond)
}
