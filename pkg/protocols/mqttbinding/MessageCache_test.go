package mqttbinding_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/protocols/mqttbinding"
)

func TestCacheCorrelationID(t *testing.T) {
	logrus.Infof("--- TestCacheCorrelationID ---")
	cache := mqttbinding.NewMessageCache(0)
	cache.Append("topic1", []byte(`{"id":"req1","result":42}`))
	cache.Append("topic1", []byte(`{"ack":"req2"}`))
	cache.Append("topic1", []byte(`not json`))

	msg, err := cache.WaitFor("topic1", time.Now().Add(time.Second),
		func(msg *mqttbinding.CachedMessage) bool { return msg.ID == "req1" })
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data), "result")

	// the ack member also serves as correlation id
	msg, err = cache.WaitFor("topic1", time.Now().Add(time.Second),
		func(msg *mqttbinding.CachedMessage) bool { return msg.ID == "req2" })
	require.NoError(t, err)
	assert.Equal(t, "req2", msg.ID)
}

func TestCacheWaitForArrival(t *testing.T) {
	logrus.Infof("--- TestCacheWaitForArrival ---")
	cache := mqttbinding.NewMessageCache(0)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cache.Append("topic1", []byte(`{"id":"later"}`))
	}()
	msg, err := cache.WaitFor("topic1", time.Now().Add(2*time.Second),
		func(msg *mqttbinding.CachedMessage) bool { return msg.ID == "later" })
	require.NoError(t, err)
	assert.Equal(t, "later", msg.ID)
}

func TestCacheWaitTimeout(t *testing.T) {
	logrus.Infof("--- TestCacheWaitTimeout ---")
	cache := mqttbinding.NewMessageCache(0)
	cache.Append("topic1", []byte(`{"id":"other"}`))

	_, err := cache.WaitFor("topic1", time.Now().Add(100*time.Millisecond),
		func(msg *mqttbinding.CachedMessage) bool { return msg.ID == "missing" })
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocols.ErrTimeout))
}

func TestCacheEviction(t *testing.T) {
	logrus.Infof("--- TestCacheEviction ---")
	cache := mqttbinding.NewMessageCache(50 * time.Millisecond)
	cache.Append("topic1", []byte(`{"id":"old"}`))
	time.Sleep(100 * time.Millisecond)
	// the next append evicts the expired entry
	cache.Append("topic1", []byte(`{"id":"new"}`))

	_, err := cache.WaitFor("topic1", time.Now().Add(10*time.Millisecond),
		func(msg *mqttbinding.CachedMessage) bool { return msg.ID == "old" })
	assert.Error(t, err)

	msg, err := cache.WaitFor("topic1", time.Now().Add(time.Second),
		func(msg *mqttbinding.CachedMessage) bool { return msg.ID == "new" })
	require.NoError(t, err)
	assert.Equal(t, "new", msg.ID)
}

func TestCacheClear(t *testing.T) {
	logrus.Infof("--- TestCacheClear ---")
	cache := mqttbinding.NewMessageCache(0)
	cache.Append("topic1", []byte(`{"id":"req1"}`))
	cache.Clear()

	_, err := cache.WaitFor("topic1", time.Now().Add(10*time.Millisecond),
		func(msg *mqttbinding.CachedMessage) bool { return true })
	assert.Error(t, err)
}
