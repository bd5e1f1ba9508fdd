package mqttbinding

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ConnectTimeout of the initial broker connection attempt
const ConnectTimeout = 10 * time.Second

// ReconnectDelay between reconnection attempts after a lost connection
const ReconnectDelay = time.Second

// PublishTimeout bounds the broker acknowledgement of a publish
const PublishTimeout = 10 * time.Second

// MessageHandler receives a message on a subscribed topic
type MessageHandler func(topic string, payload []byte)

// topicSubscription persists a subscription so it can be replayed after a
// reconnect. Paho drops subscriptions of a clean session on disconnect.
type topicSubscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MqttConnection is one connection to a broker. Received messages go to the
// topic's handler and into the message cache for correlation scans.
// A lost connection is re-established after a short delay and the persisted
// subscription set is replayed.
type MqttConnection struct {
	brokerURL string
	clientID  string

	// Username and Password authenticate against the broker
	Username string
	Password string
	// TLSConfig for mqtts brokers
	TLSConfig *tls.Config

	pahoClient pahomqtt.Client
	cache      *MessageCache

	mutex         sync.Mutex
	subscriptions map[string]*topicSubscription
	running       bool
}

// NewMqttConnection creates a connection to the given broker URL, eg
// tcp://host:1883 or ssl://host:8883. Call Connect to open it.
func NewMqttConnection(brokerURL string, messageTTL time.Duration) *MqttConnection {
	return &MqttConnection{
		brokerURL:     brokerURL,
		clientID:      "servient-" + uuid.New().String(),
		cache:         NewMessageCache(messageTTL),
		subscriptions: make(map[string]*topicSubscription),
	}
}

// Cache returns the connection's received message cache
func (connection *MqttConnection) Cache() *MessageCache {
	return connection.cache
}

// Connect to the broker. Auto-reconnect of the underlying library is not
// used as it does not replay subscriptions of a clean session; reconnection
// and resubscription are handled here.
func (connection *MqttConnection) Connect() error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(connection.brokerURL)
	opts.SetClientID(connection.clientID)
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(ConnectTimeout)
	if connection.Username != "" {
		opts.SetUsername(connection.Username)
		opts.SetPassword(connection.Password)
	}
	if connection.TLSConfig != nil {
		opts.SetTLSConfig(connection.TLSConfig)
	}
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		logrus.Infof("Connected to MQTT broker %s as %s", connection.brokerURL, connection.clientID)
		connection.resubscribe()
	})
	opts.SetConnectionLostHandler(func(client pahomqtt.Client, err error) {
		logrus.Warningf("Connection to MQTT broker %s lost: %s", connection.brokerURL, err)
		go connection.reconnectLoop()
	})

	connection.mutex.Lock()
	connection.running = true
	connection.pahoClient = pahomqtt.NewClient(opts)
	pahoClient := connection.pahoClient
	connection.mutex.Unlock()

	token := pahoClient.Connect()
	if !token.WaitTimeout(ConnectTimeout) {
		return fmt.Errorf("timeout connecting to MQTT broker %s", connection.brokerURL)
	}
	return token.Error()
}

// reconnectLoop retries the broker connection until it succeeds or the
// connection is disconnected. Resubscription happens in the connect handler.
func (connection *MqttConnection) reconnectLoop() {
	for {
		time.Sleep(ReconnectDelay)
		connection.mutex.Lock()
		running := connection.running
		pahoClient := connection.pahoClient
		connection.mutex.Unlock()
		if !running || pahoClient == nil {
			return
		}
		if pahoClient.IsConnected() {
			return
		}
		logrus.Infof("Reconnecting to MQTT broker %s", connection.brokerURL)
		token := pahoClient.Connect()
		token.Wait()
		if token.Error() == nil {
			return
		}
		logrus.Warningf("Reconnect to %s failed: %s", connection.brokerURL, token.Error())
	}
}

// resubscribe replays the persisted subscription set after a (re)connect
func (connection *MqttConnection) resubscribe() {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	logrus.Infof("Resubscribing to %d topics on %s", len(connection.subscriptions), connection.brokerURL)
	for _, sub := range connection.subscriptions {
		connection.subscribePaho(sub)
	}
}

// subscribePaho issues the broker subscription. Callers hold the mutex.
func (connection *MqttConnection) subscribePaho(sub *topicSubscription) {
	if connection.pahoClient == nil {
		return
	}
	handler := sub.handler
	connection.pahoClient.Subscribe(sub.topic, sub.qos,
		func(client pahomqtt.Client, msg pahomqtt.Message) {
			connection.cache.Append(msg.Topic(), msg.Payload())
			if handler != nil {
				handler(msg.Topic(), msg.Payload())
			}
		})
}

// Subscribe to a topic. An existing subscription on the topic is replaced.
// A nil handler still feeds the message cache.
func (connection *MqttConnection) Subscribe(topic string, qos byte, handler MessageHandler) {
	logrus.Debugf("Subscribing to topic %s qos %d", topic, qos)
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	sub := &topicSubscription{topic: topic, qos: qos, handler: handler}
	connection.subscriptions[topic] = sub
	connection.subscribePaho(sub)
}

// Unsubscribe from a topic
func (connection *MqttConnection) Unsubscribe(topic string) {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	if _, found := connection.subscriptions[topic]; !found {
		return
	}
	delete(connection.subscriptions, topic)
	if connection.pahoClient != nil {
		connection.pahoClient.Unsubscribe(topic)
	}
}

// Publish a message and await the broker acknowledgement
func (connection *MqttConnection) Publish(topic string, qos byte, payload []byte) error {
	connection.mutex.Lock()
	pahoClient := connection.pahoClient
	connection.mutex.Unlock()
	if pahoClient == nil || !pahoClient.IsConnected() {
		return fmt.Errorf("no connection with broker %s", connection.brokerURL)
	}
	token := pahoClient.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(PublishTimeout) {
		return fmt.Errorf("timeout publishing on topic %s", topic)
	}
	return token.Error()
}

// IsConnected returns true while the broker connection is up
func (connection *MqttConnection) IsConnected() bool {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	return connection.pahoClient != nil && connection.pahoClient.IsConnected()
}

// Disconnect from the broker and discard subscriptions and cached messages
func (connection *MqttConnection) Disconnect() {
	connection.mutex.Lock()
	connection.running = false
	pahoClient := connection.pahoClient
	connection.pahoClient = nil
	connection.subscriptions = make(map[string]*topicSubscription)
	connection.mutex.Unlock()

	if pahoClient != nil {
		logrus.Infof("Disconnecting from MQTT broker %s", connection.brokerURL)
		pahoClient.Disconnect(100)
	}
	connection.cache.Clear()
}
