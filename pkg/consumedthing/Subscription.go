// Package consumedthing with Subscription definitions for consumed thing users
package consumedthing

import (
	"sync"

	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
)

const (
	SubscriptionTypeEvent    = "event"
	SubscriptionTypeProperty = "property"
)

// InteractionListener is invoked with each received property change or event
type InteractionListener func(name string, data *thing.InteractionOutput)

// Subscription tracks an active property observation or event subscription
// of a consumed thing. The handle survives transparent re-subscription after
// a transport failure; Unsubscribe stops both the current transport
// subscription and any pending re-subscribe.
type Subscription struct {
	// SubType is "property" or "event"
	SubType string
	// Name of the observed property or subscribed event
	Name string
	// Handler invoked with each received value
	Handler InteractionListener

	// current transport observation, replaced on re-subscribe
	observation *protocols.Observation
	active      bool
	mutex       sync.Mutex

	// detach removes this subscription from the consumed thing
	detach func()
}

// Unsubscribe stops notifications and releases the transport subscription.
// Idempotent.
func (sub *Subscription) Unsubscribe() {
	sub.mutex.Lock()
	wasActive := sub.active
	sub.active = false
	observation := sub.observation
	sub.observation = nil
	sub.mutex.Unlock()
	if observation != nil {
		observation.Stop()
	}
	if wasActive && sub.detach != nil {
		sub.detach()
	}
}

// isActive returns true until Unsubscribe is called
func (sub *Subscription) isActive() bool {
	sub.mutex.Lock()
	defer sub.mutex.Unlock()
	return sub.active
}

// replace swaps in a new transport observation after a re-subscribe.
// Returns false when the subscription was cancelled in the meantime; the
// caller must stop the new observation itself in that case.
func (sub *Subscription) replace(observation *protocols.Observation) bool {
	sub.mutex.Lock()
	defer sub.mutex.Unlock()
	if !sub.active {
		return false
	}
	sub.observation = observation
	return true
}
