package protocols

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultInvocationTTL bounds how long a pending or finished action
// invocation is retained before it is purged.
const DefaultInvocationTTL = 300 * time.Second

// Invocation tracks one action invocation from submission to expiry
type Invocation struct {
	// ID with the correlation id of the invocation
	ID string
	// ThingID and Name of the invoked action
	ThingID string
	Name    string

	// Done is closed when the handler returned
	Done chan struct{}

	// Result and Err with the outcome, valid after Done is closed
	Result interface{}
	Err    error

	created time.Time
}

// Finish records the outcome and signals completion
func (inv *Invocation) Finish(result interface{}, err error) {
	inv.Result = result
	inv.Err = err
	close(inv.Done)
}

// IsDone returns true when the handler has returned
func (inv *Invocation) IsDone() bool {
	select {
	case <-inv.Done:
		return true
	default:
		return false
	}
}

// InvocationRegistry tracks pending action invocations for bindings whose
// action flow is asynchronous. Entries older than the TTL are purged by a
// background sweep, whether finished or not.
type InvocationRegistry struct {
	ttl         time.Duration
	mutex       sync.Mutex
	invocations map[string]*Invocation
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewInvocationRegistry creates a registry and starts its TTL sweep.
// A zero ttl selects DefaultInvocationTTL.
func NewInvocationRegistry(ttl time.Duration) *InvocationRegistry {
	if ttl <= 0 {
		ttl = DefaultInvocationTTL
	}
	reg := &InvocationRegistry{
		ttl:         ttl,
		invocations: make(map[string]*Invocation),
		stopChan:    make(chan struct{}),
	}
	go reg.sweepLoop()
	return reg
}

// Add creates and registers a new invocation with a fresh correlation id
func (reg *InvocationRegistry) Add(thingID string, name string) *Invocation {
	inv := &Invocation{
		ID:      uuid.New().String(),
		ThingID: thingID,
		Name:    name,
		Done:    make(chan struct{}),
		created: time.Now(),
	}
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	reg.invocations[inv.ID] = inv
	return inv
}

// Get returns the invocation with the given id, or nil when unknown or purged
func (reg *InvocationRegistry) Get(id string) *Invocation {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	return reg.invocations[id]
}

// Remove drops the invocation with the given id
func (reg *InvocationRegistry) Remove(id string) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	delete(reg.invocations, id)
}

// Stop ends the TTL sweep
func (reg *InvocationRegistry) Stop() {
	reg.stopOnce.Do(func() { close(reg.stopChan) })
}

func (reg *InvocationRegistry) sweepLoop() {
	interval := reg.ttl / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-reg.stopChan:
			return
		case <-ticker.C:
			reg.purgeExpired()
		}
	}
}

func (reg *InvocationRegistry) purgeExpired() {
	deadline := time.Now().Add(-reg.ttl)
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	for id, inv := range reg.invocations {
		if inv.created.Before(deadline) {
			logrus.Debugf("purging expired invocation '%s' of action '%s'", id, inv.Name)
			delete(reg.invocations, id)
		}
	}
}
