package mqttbinding

import (
	"crypto/tls"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// pooledConnection tracks which holders reference a broker connection
type pooledConnection struct {
	connection *MqttConnection
	refs       map[string]bool
}

// MqttConnectionPool shares broker connections between holders. A connection
// is opened on the first acquire of its broker URL and closed when the last
// holder releases it. Acquire and release are reentrant per holder.
type MqttConnectionPool struct {
	// MessageTTL of the cache of new connections
	MessageTTL time.Duration
	// Username, Password and TLSConfig applied to new connections
	Username  string
	Password  string
	TLSConfig *tls.Config

	mutex       sync.Mutex
	connections map[string]*pooledConnection
}

// NewMqttConnectionPool creates an empty pool
func NewMqttConnectionPool() *MqttConnectionPool {
	return &MqttConnectionPool{
		MessageTTL:  DefaultMessageTTL,
		connections: make(map[string]*pooledConnection),
	}
}

// Acquire a shared connection to the broker on behalf of refID. The first
// acquire opens the connection; a failure to connect leaves the pool
// unchanged.
func (pool *MqttConnectionPool) Acquire(brokerURL string, refID string) (*MqttConnection, error) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	pooled := pool.connections[brokerURL]
	if pooled != nil {
		pooled.refs[refID] = true
		return pooled.connection, nil
	}
	connection := NewMqttConnection(brokerURL, pool.MessageTTL)
	connection.Username = pool.Username
	connection.Password = pool.Password
	connection.TLSConfig = pool.TLSConfig
	if err := connection.Connect(); err != nil {
		connection.Disconnect()
		return nil, err
	}
	pool.connections[brokerURL] = &pooledConnection{
		connection: connection,
		refs:       map[string]bool{refID: true},
	}
	return connection, nil
}

// Release the holder's reference. The last release disconnects the broker
// connection and discards its cache. Releasing an unknown reference is a
// no-op.
func (pool *MqttConnectionPool) Release(brokerURL string, refID string) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	pooled := pool.connections[brokerURL]
	if pooled == nil || !pooled.refs[refID] {
		return
	}
	delete(pooled.refs, refID)
	if len(pooled.refs) > 0 {
		return
	}
	logrus.Infof("Closing unreferenced broker connection %s", brokerURL)
	delete(pool.connections, brokerURL)
	pooled.connection.Disconnect()
}

// Stop disconnects every pooled connection regardless of references
func (pool *MqttConnectionPool) Stop() {
	pool.mutex.Lock()
	connections := pool.connections
	pool.connections = make(map[string]*pooledConnection)
	pool.mutex.Unlock()
	for _, pooled := range connections {
		pooled.connection.Disconnect()
	}
}
