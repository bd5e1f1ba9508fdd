package mqttbinding

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// DefaultRequestTimeout bounds a correlated request without a context deadline
const DefaultRequestTimeout = 10 * time.Second

// MqttBindingClient consumes Things through an MQTT broker. Reads, writes and
// invocations use pooled broker connections with correlated request/response
// over the message cache. Observations use a dedicated connection each so
// that unsubscribing is a clean disconnect.
type MqttBindingClient struct {
	pool  *MqttConnectionPool
	refID string

	// WaitForAck makes writes await the correlated acknowledgement.
	// When false a write is fire-and-forget.
	WaitForAck bool

	mutex sync.Mutex
	// brokers this client holds a pool reference on
	acquired map[string]bool
	// dedicated observation connections by observation id
	observers map[string]*MqttConnection
}

// CreateMqttBindingClient creates the binding client.
//  pool with the shared broker connection pool, nil to use a private pool
func CreateMqttBindingClient(pool *MqttConnectionPool) *MqttBindingClient {
	if pool == nil {
		pool = NewMqttConnectionPool()
	}
	return &MqttBindingClient{
		pool:       pool,
		refID:      "mqttclient-" + uuid.New().String(),
		WaitForAck: true,
		acquired:   make(map[string]bool),
		observers:  make(map[string]*MqttConnection),
	}
}

// Protocol returns the binding identifier
func (client *MqttBindingClient) Protocol() string { return vocab.ProtocolMQTT }

// IsSupportedInteraction returns true when the interaction has an mqtt(s) form
func (client *MqttBindingClient) IsSupportedInteraction(td *thing.ThingTD, name string) bool {
	return protocols.HasFormWithScheme(td, name, vocab.SchemeMQTTS, vocab.SchemeMQTT)
}

// SetSecurity installs broker credentials. Basic credentials map to the
// broker username and password; nosec connects unauthenticated.
func (client *MqttBindingClient) SetSecurity(
	definitions map[string]*thing.SecurityScheme, credentials map[string]interface{}) bool {

	get := func(key string) string {
		if credentials == nil {
			return ""
		}
		value, _ := credentials[key].(string)
		return value
	}
	for _, scheme := range definitions {
		switch scheme.Scheme {
		case vocab.SecuritySchemeBasic:
			client.pool.Username = get("username")
			client.pool.Password = get("password")
			return true
		case vocab.SecuritySchemeNoSec, vocab.SecuritySchemeAuto:
			return true
		}
	}
	return false
}

// Stop releases the pooled broker references and disconnects all dedicated
// observation connections.
func (client *MqttBindingClient) Stop() {
	client.mutex.Lock()
	acquired := client.acquired
	client.acquired = make(map[string]bool)
	observers := client.observers
	client.observers = make(map[string]*MqttConnection)
	client.mutex.Unlock()

	for brokerURL := range acquired {
		client.pool.Release(brokerURL, client.refID)
	}
	for _, connection := range observers {
		connection.Disconnect()
	}
}

// connect returns a pooled connection to the broker of the form href
func (client *MqttBindingClient) connect(brokerURL string) (*MqttConnection, error) {
	connection, err := client.pool.Acquire(brokerURL, client.refID)
	if err != nil {
		return nil, protocols.ProtocolError("can't reach broker %s: %s", brokerURL, err)
	}
	client.mutex.Lock()
	client.acquired[brokerURL] = true
	client.mutex.Unlock()
	return connection, nil
}

// endpoint resolves the form of the interaction into broker URL and topic
func endpoint(td *thing.ThingTD, name string, op string) (string, string, error) {
	form := protocols.FindForm(td, name, op, vocab.SchemeMQTTS, vocab.SchemeMQTT)
	if form == nil {
		return "", "", protocols.NotSupportedError("no mqtt form for '%s' on '%s'", op, name)
	}
	brokerURL, topic, err := SplitFormHref(form.Resolve(td.Base))
	if err != nil {
		return "", "", protocols.ProtocolError("%s", err)
	}
	return brokerURL, topic, nil
}

// requestDeadline derives the correlation scan deadline from the context
func requestDeadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(DefaultRequestTimeout)
}

// ReadProperty publishes a read request and consumes the first value
// published on the observation topic after the request went out.
func (client *MqttBindingClient) ReadProperty(
	ctx context.Context, td *thing.ThingTD, name string) (*thing.InteractionOutput, error) {

	brokerURL, topic, err := endpoint(td, name, vocab.OpReadProperty)
	if err != nil {
		return nil, err
	}
	connection, err := client.connect(brokerURL)
	if err != nil {
		return nil, err
	}
	connection.Subscribe(topic, QosReplySubscribe, nil)

	publishTime := time.Now()
	request, _ := json.Marshal(map[string]string{"action": "read"})
	if err = connection.Publish(topic+"/read", QosRequestPublish, request); err != nil {
		return nil, protocols.ProtocolError("read request for '%s' failed: %s", name, err)
	}
	msg, err := connection.Cache().WaitFor(topic, requestDeadline(ctx),
		func(msg *CachedMessage) bool {
			return !msg.Received.Before(publishTime)
		})
	if err != nil {
		return nil, err
	}
	var reply propertyMessage
	if err = json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, protocols.ProtocolError("invalid value on topic '%s': %s", topic, err)
	}
	var schema *thing.DataSchema
	if prop := td.GetProperty(name); prop != nil {
		schema = &prop.DataSchema
	}
	return thing.NewInteractionOutput(reply.Value, schema), nil
}

// WriteProperty publishes a write request and awaits its acknowledgement
func (client *MqttBindingClient) WriteProperty(
	ctx context.Context, td *thing.ThingTD, name string, value interface{}) error {

	brokerURL, topic, err := endpoint(td, name, vocab.OpWriteProperty)
	if err != nil {
		return err
	}
	connection, err := client.connect(brokerURL)
	if err != nil {
		return err
	}
	ackTopic := topic + "/write/ack"
	if client.WaitForAck {
		connection.Subscribe(ackTopic, QosReplySubscribe, nil)
	}

	ackID := uuid.New().String()
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	request, _ := json.Marshal(writeMessage{Action: "write", Value: encoded, Ack: ackID})
	if err = connection.Publish(topic+"/write", QosRequestPublish, request); err != nil {
		return protocols.ProtocolError("write request for '%s' failed: %s", name, err)
	}
	if !client.WaitForAck {
		return nil
	}
	msg, err := connection.Cache().WaitFor(ackTopic, requestDeadline(ctx),
		func(msg *CachedMessage) bool {
			return msg.ID == ackID
		})
	if err != nil {
		return err
	}
	var ack ackMessage
	if err = json.Unmarshal(msg.Data, &ack); err != nil {
		return protocols.ProtocolError("invalid ack on topic '%s': %s", ackTopic, err)
	}
	if ack.Error != "" {
		return protocols.HandlerError(fmt.Errorf("%s", ack.Error))
	}
	return nil
}

// InvokeAction publishes an invocation and awaits its correlated result
func (client *MqttBindingClient) InvokeAction(
	ctx context.Context, td *thing.ThingTD, name string, input interface{}) (*thing.InteractionOutput, error) {

	brokerURL, topic, err := endpoint(td, name, vocab.OpInvokeAction)
	if err != nil {
		return nil, err
	}
	connection, err := client.connect(brokerURL)
	if err != nil {
		return nil, err
	}
	resultTopic := topic + "/result"
	connection.Subscribe(resultTopic, QosReplySubscribe, nil)

	correlationID := uuid.New().String()
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	request, _ := json.Marshal(invokeMessage{ID: correlationID, Input: encoded})
	if err = connection.Publish(topic, QosRequestPublish, request); err != nil {
		return nil, protocols.ProtocolError("invocation of '%s' failed: %s", name, err)
	}
	msg, err := connection.Cache().WaitFor(resultTopic, requestDeadline(ctx),
		func(msg *CachedMessage) bool {
			return msg.ID == correlationID
		})
	if err != nil {
		return nil, err
	}
	var result resultMessage
	if err = json.Unmarshal(msg.Data, &result); err != nil {
		return nil, protocols.ProtocolError("invalid result on topic '%s': %s", resultTopic, err)
	}
	if result.Error != "" {
		return nil, protocols.HandlerError(fmt.Errorf("%s", result.Error))
	}
	var schema *thing.DataSchema
	if action := td.GetAction(name); action != nil {
		schema = action.Output
	}
	return thing.NewInteractionOutput(result.Result, schema), nil
}

// ObserveProperty opens a dedicated broker connection streaming the values
// published on the property topic.
func (client *MqttBindingClient) ObserveProperty(td *thing.ThingTD, name string) (*protocols.Observation, error) {
	return client.observe(td, name, vocab.OpObserveProperty,
		func(subject *eventbus.Subject, payload []byte) {
			var update propertyMessage
			if err := json.Unmarshal(payload, &update); err != nil {
				logrus.Warningf("invalid property update for '%s': %s", name, err)
				return
			}
			subject.Next(eventbus.NewPropertyChangeEvent(name, update.Value))
		})
}

// SubscribeEvent opens a dedicated broker connection streaming the payloads
// published on the event topic.
func (client *MqttBindingClient) SubscribeEvent(td *thing.ThingTD, name string) (*protocols.Observation, error) {
	return client.observe(td, name, vocab.OpSubscribeEvent,
		func(subject *eventbus.Subject, payload []byte) {
			var emission eventMessage
			if err := json.Unmarshal(payload, &emission); err != nil {
				logrus.Warningf("invalid event emission for '%s': %s", name, err)
				return
			}
			subject.Next(eventbus.NewCustomEvent(name, emission.Data))
		})
}

func (client *MqttBindingClient) observe(td *thing.ThingTD, name string, op string,
	deliver func(subject *eventbus.Subject, payload []byte)) (*protocols.Observation, error) {

	brokerURL, topic, err := endpoint(td, name, op)
	if err != nil {
		return nil, err
	}
	connection := NewMqttConnection(brokerURL, client.pool.MessageTTL)
	connection.Username = client.pool.Username
	connection.Password = client.pool.Password
	connection.TLSConfig = client.pool.TLSConfig
	if err = connection.Connect(); err != nil {
		connection.Disconnect()
		return nil, protocols.ProtocolError("can't reach broker %s: %s", brokerURL, err)
	}
	subject := eventbus.NewSubject()
	connection.Subscribe(topic, QosReplySubscribe, func(topic string, payload []byte) {
		deliver(subject, payload)
	})

	observationID := uuid.New().String()
	client.mutex.Lock()
	client.observers[observationID] = connection
	client.mutex.Unlock()

	observation := protocols.NewObservation(subject, func() {
		client.mutex.Lock()
		delete(client.observers, observationID)
		client.mutex.Unlock()
		connection.Disconnect()
		subject.Complete()
	})
	return observation, nil
}
