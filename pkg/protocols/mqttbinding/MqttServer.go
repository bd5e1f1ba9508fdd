// Package mqttbinding with the broker-mediated MQTT protocol binding.
// Requests, replies and observation streams travel over per-verb topics
// prefixed with the servient id. See Topics.go for the topic scheme.
package mqttbinding

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/exposedthing"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// propertyMessage is the payload of the property value stream
type propertyMessage struct {
	Value     interface{} `json:"value"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// writeMessage is the payload of a property write request
type writeMessage struct {
	Action string          `json:"action"`
	Value  json.RawMessage `json:"value"`
	Ack    string          `json:"ack"`
}

// ackMessage acknowledges a handled write request
type ackMessage struct {
	Ack   string `json:"ack"`
	Error string `json:"error,omitempty"`
}

// invokeMessage is the payload of an action invocation request
type invokeMessage struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// resultMessage is the payload of an invocation result
type resultMessage struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Done   bool        `json:"done"`
}

// eventMessage is the payload of an event emission
type eventMessage struct {
	Name      string      `json:"name"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// RefreshInterval between checks of the exposed thing set. Things that
// expose or destroy themselves after being added are wired or unwired on
// the next check.
const RefreshInterval = 2 * time.Second

// exposedBinding tracks the broker wiring of one exposed thing
type exposedBinding struct {
	eThing *exposedthing.ExposedThing
	topics []string
	busSub *eventbus.Subscription
	wired  bool
}

// MqttBindingServer exposes Things through an MQTT broker. The servient id
// prefixes all topics so several servients can share the broker.
type MqttBindingServer struct {
	brokerURL  string
	servientID string

	// ActionTimeout bounds an action invocation
	ActionTimeout time.Duration

	pool        *MqttConnectionPool
	connection  *MqttConnection
	invocations *protocols.InvocationRegistry

	mutex    sync.Mutex
	bindings map[string]*exposedBinding
	running  bool
	stopChan chan struct{}
}

// CreateMqttBindingServer creates the binding server.
//  brokerURL of the broker to connect to, eg tcp://host:1883
//  servientID with the topic prefix unique to this servient
//  pool with the shared broker connection pool, nil to use a private pool
func CreateMqttBindingServer(brokerURL string, servientID string, pool *MqttConnectionPool) *MqttBindingServer {
	if pool == nil {
		pool = NewMqttConnectionPool()
	}
	return &MqttBindingServer{
		brokerURL:     brokerURL,
		servientID:    servientID,
		ActionTimeout: protocols.DefaultInvocationTTL,
		pool:          pool,
		bindings:      make(map[string]*exposedBinding),
	}
}

// Protocol returns the binding identifier
func (server *MqttBindingServer) Protocol() string { return vocab.ProtocolMQTT }

// Port of the broker this binding talks to
func (server *MqttBindingServer) Port() int {
	parsed, err := url.Parse(server.brokerURL)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(parsed.Port())
	return port
}

// FormPort equals Port; forms point at the broker itself
func (server *MqttBindingServer) FormPort() int { return server.Port() }

// refID of this server's pool reference
func (server *MqttBindingServer) refID() string {
	return "mqttserver-" + server.servientID
}

// Start connects to the broker and wires the already added Things.
// Idempotent; a connection failure leaves the server stopped.
func (server *MqttBindingServer) Start() error {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if server.running {
		return nil
	}
	logrus.Infof("Starting MQTT binding server for servient '%s' on %s", server.servientID, server.brokerURL)
	connection, err := server.pool.Acquire(server.brokerURL, server.refID())
	if err != nil {
		return fmt.Errorf("MQTT binding can't reach broker %s: %w", server.brokerURL, err)
	}
	server.connection = connection
	server.invocations = protocols.NewInvocationRegistry(server.ActionTimeout)
	server.running = true
	server.stopChan = make(chan struct{})
	for _, binding := range server.bindings {
		server.wireThing(binding)
	}
	go server.refreshLoop(server.stopChan)
	return nil
}

// Stop unwires all Things and releases the broker connection. Idempotent.
func (server *MqttBindingServer) Stop() error {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if !server.running {
		return nil
	}
	logrus.Infof("Stopping MQTT binding server for servient '%s'", server.servientID)
	close(server.stopChan)
	for _, binding := range server.bindings {
		server.unwireThing(binding)
	}
	server.invocations.Stop()
	server.pool.Release(server.brokerURL, server.refID())
	server.connection = nil
	server.running = false
	return nil
}

// AddExposedThing starts serving the Thing's topics
func (server *MqttBindingServer) AddExposedThing(eThing *exposedthing.ExposedThing) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	binding := &exposedBinding{eThing: eThing}
	server.bindings[eThing.TD.ID] = binding
	if server.running {
		server.wireThing(binding)
	}
}

// RemoveExposedThing stops serving the Thing's topics
func (server *MqttBindingServer) RemoveExposedThing(thingID string) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	binding := server.bindings[thingID]
	if binding == nil {
		return
	}
	delete(server.bindings, thingID)
	if server.running {
		server.unwireThing(binding)
	}
}

// refreshLoop re-checks the exposed thing set until stopped
func (server *MqttBindingServer) refreshLoop(stopChan chan struct{}) {
	for {
		// jitter spreads the rewiring of multiple servers on one broker
		interval := RefreshInterval + time.Duration(rand.Int63n(int64(RefreshInterval/4)))
		select {
		case <-stopChan:
			return
		case <-time.After(interval):
			server.refresh()
		}
	}
}

// refresh wires bindings whose Thing became exposed since the last check
// and unwires those whose Thing was destroyed.
func (server *MqttBindingServer) refresh() {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if !server.running {
		return
	}
	for _, binding := range server.bindings {
		exposed := binding.eThing.IsExposed()
		if exposed && !binding.wired {
			server.wireThing(binding)
		} else if !exposed && binding.wired {
			server.unwireThing(binding)
		}
	}
}

// wireThing subscribes the request topics of the Thing and forwards its
// event bus onto the observation topics. Things not yet exposed are left
// for the refresh loop. Callers hold the mutex.
func (server *MqttBindingServer) wireThing(binding *exposedBinding) {
	eThing := binding.eThing
	if !eThing.IsExposed() {
		return
	}
	td := eThing.TD
	connection := server.connection

	for name, prop := range td.Properties {
		propName := name
		readTopic := PropertyReadTopic(server.servientID, td, propName)
		connection.Subscribe(readTopic, QosRequestPublish, func(topic string, payload []byte) {
			// handled off the delivery callback, publishing from it can deadlock
			go server.handleRead(eThing, propName)
		})
		binding.topics = append(binding.topics, readTopic)

		if !prop.ReadOnly {
			writeTopic := PropertyWriteTopic(server.servientID, td, propName)
			connection.Subscribe(writeTopic, QosRequestPublish, func(topic string, payload []byte) {
				go server.handleWrite(eThing, propName, payload)
			})
			binding.topics = append(binding.topics, writeTopic)
		}
	}
	for name := range td.Actions {
		actionName := name
		actionTopic := ActionTopic(server.servientID, td, actionName)
		connection.Subscribe(actionTopic, QosRequestPublish, func(topic string, payload []byte) {
			go server.handleInvoke(eThing, actionName, payload)
		})
		binding.topics = append(binding.topics, actionTopic)
	}

	binding.busSub = eThing.Events().Subscribe(eventbus.Observer{
		Next: func(ev eventbus.EmittedEvent) {
			server.publishUpdate(eThing, ev)
		},
	})
	binding.wired = true
}

// unwireThing reverses wireThing. Callers hold the mutex.
func (server *MqttBindingServer) unwireThing(binding *exposedBinding) {
	for _, topic := range binding.topics {
		server.connection.Unsubscribe(topic)
	}
	binding.topics = nil
	if binding.busSub != nil {
		binding.busSub.Unsubscribe()
		binding.busSub = nil
	}
	binding.wired = false
}

// publishUpdate forwards a Thing event onto its observation topic
func (server *MqttBindingServer) publishUpdate(eThing *exposedthing.ExposedThing, ev eventbus.EmittedEvent) {
	server.mutex.Lock()
	connection := server.connection
	server.mutex.Unlock()
	if connection == nil {
		return
	}
	switch ev.EventType {
	case eventbus.EventTypePropertyChange:
		topic := PropertyTopic(server.servientID, eThing.TD, ev.Name)
		payload, _ := json.Marshal(propertyMessage{Value: ev.Value, Timestamp: ev.Timestamp})
		if err := connection.Publish(topic, QosPropertyPublish, payload); err != nil {
			logrus.Warningf("can't publish property change of '%s': %s", ev.Name, err)
		}
	case eventbus.EventTypeCustom:
		topic := EventTopic(server.servientID, eThing.TD, ev.Name)
		payload, _ := json.Marshal(eventMessage{Name: ev.Name, Data: ev.Value, Timestamp: ev.Timestamp})
		if err := connection.Publish(topic, QosEventPublish, payload); err != nil {
			logrus.Warningf("can't publish event '%s': %s", ev.Name, err)
		}
	}
}

// handleRead publishes the current property value on the observation topic
func (server *MqttBindingServer) handleRead(eThing *exposedthing.ExposedThing, name string) {
	value, err := eThing.ReadProperty(name)
	if err != nil {
		logrus.Warningf("read request for '%s' failed: %s", name, err)
		return
	}
	server.mutex.Lock()
	connection := server.connection
	server.mutex.Unlock()
	if connection == nil {
		return
	}
	topic := PropertyTopic(server.servientID, eThing.TD, name)
	payload, _ := json.Marshal(propertyMessage{Value: value.Value, Timestamp: time.Now().Format(vocab.TimeFormat)})
	if err = connection.Publish(topic, QosPropertyPublish, payload); err != nil {
		logrus.Warningf("can't publish read reply for '%s': %s", name, err)
	}
}

// handleWrite applies a write request and acknowledges it
func (server *MqttBindingServer) handleWrite(eThing *exposedthing.ExposedThing, name string, payload []byte) {
	var request writeMessage
	if err := json.Unmarshal(payload, &request); err != nil {
		logrus.Warningf("malformed write request for '%s': %s", name, err)
		return
	}
	ack := ackMessage{Ack: request.Ack}
	if err := eThing.HandleWriteProperty(name, request.Value); err != nil {
		ack.Error = err.Error()
	}
	server.mutex.Lock()
	connection := server.connection
	server.mutex.Unlock()
	if connection == nil {
		return
	}
	topic := PropertyWriteAckTopic(server.servientID, eThing.TD, name)
	reply, _ := json.Marshal(ack)
	if err := connection.Publish(topic, QosReplySubscribe, reply); err != nil {
		logrus.Warningf("can't publish write ack for '%s': %s", name, err)
	}
}

// handleInvoke runs an action invocation and publishes its result
func (server *MqttBindingServer) handleInvoke(eThing *exposedthing.ExposedThing, name string, payload []byte) {
	var request invokeMessage
	if err := json.Unmarshal(payload, &request); err != nil {
		logrus.Warningf("malformed invocation of '%s': %s", name, err)
		return
	}
	inv := server.invocations.Add(eThing.TD.ID, name)
	go func() {
		result, err := eThing.HandleInvokeAction(name, request.Input)
		inv.Finish(result, err)

		reply := resultMessage{ID: request.ID, Done: true}
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Result = result
		}
		server.mutex.Lock()
		connection := server.connection
		server.mutex.Unlock()
		server.invocations.Remove(inv.ID)
		if connection == nil {
			return
		}
		topic := ActionResultTopic(server.servientID, eThing.TD, name)
		encoded, _ := json.Marshal(reply)
		if pubErr := connection.Publish(topic, QosReplySubscribe, encoded); pubErr != nil {
			logrus.Warningf("can't publish result of '%s': %s", name, pubErr)
		}
	}()
}

// BuildForms returns this server's auto-generated forms for the interaction.
// The href points at the broker; its path carries the topic.
func (server *MqttBindingServer) BuildForms(hostname string, td *thing.ThingTD, name string) []thing.Form {
	var forms []thing.Form
	makeForm := func(topic string, ops ...string) thing.Form {
		return thing.Form{
			Href:        fmt.Sprintf("%s://%s:%d/%s", server.hrefScheme(), hostname, server.Port(), topic),
			ContentType: vocab.MediaTypeJSON,
			Op:          thing.StringList(ops),
			Protocol:    server.Protocol(),
		}
	}
	if prop := td.GetProperty(name); prop != nil {
		ops := []string{vocab.OpReadProperty}
		if !prop.ReadOnly {
			ops = append(ops, vocab.OpWriteProperty)
		}
		if prop.Observable {
			ops = append(ops, vocab.OpObserveProperty)
		}
		forms = append(forms, makeForm(PropertyTopic(server.servientID, td, name), ops...))
	} else if td.GetAction(name) != nil {
		forms = append(forms, makeForm(ActionTopic(server.servientID, td, name), vocab.OpInvokeAction))
	} else if td.GetEvent(name) != nil {
		forms = append(forms, makeForm(EventTopic(server.servientID, td, name),
			vocab.OpSubscribeEvent, vocab.OpUnsubscribeEvent))
	}
	return forms
}

// BuildBaseURL returns the broker URL prefix of this servient's topics
func (server *MqttBindingServer) BuildBaseURL(hostname string, td *thing.ThingTD) string {
	return fmt.Sprintf("%s://%s:%d/%s", server.hrefScheme(), hostname, server.Port(), server.servientID)
}

func (server *MqttBindingServer) hrefScheme() string {
	if server.pool.TLSConfig != nil {
		return vocab.SchemeMQTTS
	}
	return vocab.SchemeMQTT
}
