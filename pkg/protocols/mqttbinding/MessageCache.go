package mqttbinding

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/wostzone/servient-go/pkg/protocols"
)

// DefaultMessageTTL bounds how long received messages are retained for
// correlation scans.
const DefaultMessageTTL = 15 * time.Second

// CachedMessage is one received broker message
type CachedMessage struct {
	// ID with the correlation id parsed from the payload, "" when absent
	ID string
	// Data with the raw payload
	Data []byte
	// Received timestamp of arrival
	Received time.Time
}

// topicCache holds the recent messages of one topic. The notify channel is
// closed and replaced on each arrival so waiters can use a timed select.
type topicCache struct {
	entries []CachedMessage
	notify  chan struct{}
}

// MessageCache retains received messages per topic for a limited time so
// requests can be correlated with responses that arrive out of band.
type MessageCache struct {
	ttl    time.Duration
	mutex  sync.Mutex
	topics map[string]*topicCache
}

// NewMessageCache creates a cache. A zero ttl selects DefaultMessageTTL.
func NewMessageCache(ttl time.Duration) *MessageCache {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	return &MessageCache{
		ttl:    ttl,
		topics: make(map[string]*topicCache),
	}
}

func (cache *MessageCache) getTopic(topic string) *topicCache {
	tc := cache.topics[topic]
	if tc == nil {
		tc = &topicCache{notify: make(chan struct{})}
		cache.topics[topic] = tc
	}
	return tc
}

// Append stores a received message and wakes all waiters on its topic.
// Entries older than the TTL are evicted.
func (cache *MessageCache) Append(topic string, data []byte) {
	// the correlation id is the payload's id or ack member, when present
	var envelope struct {
		ID  string `json:"id"`
		Ack string `json:"ack"`
	}
	_ = json.Unmarshal(data, &envelope)
	id := envelope.ID
	if id == "" {
		id = envelope.Ack
	}

	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	tc := cache.getTopic(topic)
	tc.entries = append(tc.entries, CachedMessage{
		ID:       id,
		Data:     data,
		Received: time.Now(),
	})
	deadline := time.Now().Add(-cache.ttl)
	kept := tc.entries[:0]
	for _, entry := range tc.entries {
		if entry.Received.After(deadline) {
			kept = append(kept, entry)
		}
	}
	tc.entries = kept

	close(tc.notify)
	tc.notify = make(chan struct{})
}

// WaitFor scans the topic cache for a message accepted by match, waiting for
// new arrivals until the deadline. Returns a timeout error when none arrives.
func (cache *MessageCache) WaitFor(
	topic string, deadline time.Time, match func(msg *CachedMessage) bool) (*CachedMessage, error) {

	for {
		cache.mutex.Lock()
		tc := cache.getTopic(topic)
		for i := range tc.entries {
			if match(&tc.entries[i]) {
				found := tc.entries[i]
				cache.mutex.Unlock()
				return &found, nil
			}
		}
		notify := tc.notify
		cache.mutex.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, protocols.TimeoutError("no matching message on topic '%s'", topic)
		}
		select {
		case <-notify:
		case <-time.After(remaining):
			return nil, protocols.TimeoutError("no matching message on topic '%s'", topic)
		}
	}
}

// Clear discards all cached messages and wakes all waiters
func (cache *MessageCache) Clear() {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	for _, tc := range cache.topics {
		close(tc.notify)
	}
	cache.topics = make(map[string]*topicCache)
}
