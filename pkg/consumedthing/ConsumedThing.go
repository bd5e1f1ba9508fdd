// Package consumedthing that implements the ConsumedThing API.
// Consumed Things are remote representations of Things used by consumers.
package consumedthing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
)

// DefaultRequestTimeout is the soft timeout of proxy calls. The hard timeout
// guarding against bindings that ignore the soft timeout is 1.2 times this.
const DefaultRequestTimeout = 10 * time.Second

// DefaultResubscribeDelay is the wait before a failed observation is
// recreated transparently.
const DefaultResubscribeDelay = 2 * time.Second

// ClientResolver selects the protocol client to use for an interaction.
// The servient implements this; selection happens on every call so the
// consumed thing tolerates hot topology changes.
type ClientResolver interface {
	SelectClient(td *thing.ThingTD, name string) (protocols.ProtocolClient, error)
}

// ConsumedThing is the implementation of the ConsumedThing interface.
// This is modelled after the scripting definition of [WoT Consumed Thing](https://w3c.github.io/wot-scripting-api/#the-consumedthing-interface).
//
// Key differences:
//  1. no JS 'Promises'; methods block up to the request timeout
//  2. consumed things cache received property values, so ReadProperty
//     falls back to the cache when no binding client is available
type ConsumedThing struct {
	// TD with the Thing Description document this consumed thing consumes
	TD *thing.ThingTD

	// resolver picks a binding client per call. Nil for an offline consumed
	// thing that is fed through HandleEvent/HandlePropertyChange.
	resolver ClientResolver

	// RequestTimeout is the soft timeout per proxy call
	RequestTimeout time.Duration
	// ResubscribeDelay before recreating a failed observation
	ResubscribeDelay time.Duration

	// internal slot for subscriptions to property changes
	activeObservations map[string]*Subscription
	// internal slot for subscriptions to events
	activeSubscriptions map[string]*Subscription
	// mutex for async updating of subscriptions
	subscriptionMutex sync.Mutex

	// valueStore holds the last property and event values
	valueStore map[string]*thing.InteractionOutput
	// mutex for concurrent access to stored values
	valueStoreMutex sync.RWMutex
}

// CreateConsumedThing constructs a consumed thing from a TD.
//
// A consumed Thing is a remote instance of a thing for the purpose of
// interaction with thing providers. Without a resolver the instance is
// offline: reads come from the cache and subscriptions are fed through
// HandleEvent and HandlePropertyChange by whoever created it.
func CreateConsumedThing(td *thing.ThingTD) *ConsumedThing {
	cThing := &ConsumedThing{
		TD:                  td,
		RequestTimeout:      DefaultRequestTimeout,
		ResubscribeDelay:    DefaultResubscribeDelay,
		activeObservations:  make(map[string]*Subscription),
		activeSubscriptions: make(map[string]*Subscription),
		valueStore:          make(map[string]*thing.InteractionOutput),
	}
	return cThing
}

// SetResolver installs the client resolver used for remote interaction
func (cThing *ConsumedThing) SetResolver(resolver ClientResolver) {
	cThing.resolver = resolver
}

// _getValue reads the latest cached value from the value store.
// This is concurrent safe and should be the only way to access the values.
func (cThing *ConsumedThing) _getValue(key string) (value *thing.InteractionOutput, found bool) {
	cThing.valueStoreMutex.RLock()
	defer cThing.valueStoreMutex.RUnlock()
	value, found = cThing.valueStore[key]
	return value, found
}

// _putValue writes the latest value into the value store cache.
// This is concurrent safe and should be the only way to access the values.
func (cThing *ConsumedThing) _putValue(key string, value *thing.InteractionOutput) {
	cThing.valueStoreMutex.Lock()
	defer cThing.valueStoreMutex.Unlock()
	cThing.valueStore[key] = value
}

// GetThingDescription returns the TD document of this consumed Thing
func (cThing *ConsumedThing) GetThingDescription() *thing.ThingTD {
	return cThing.TD
}

// callWithTimeout runs a proxy call with the soft timeout on its context and
// a hard timeout of 1.2 times the soft timeout guarding against bindings
// that do not honor the context.
func (cThing *ConsumedThing) callWithTimeout(
	run func(ctx context.Context) (*thing.InteractionOutput, error)) (*thing.InteractionOutput, error) {

	soft := cThing.RequestTimeout
	if soft <= 0 {
		soft = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), soft)
	defer cancel()

	type callResult struct {
		output *thing.InteractionOutput
		err    error
	}
	done := make(chan callResult, 1)
	go func() {
		output, err := run(ctx)
		done <- callResult{output: output, err: err}
	}()
	hard := time.Duration(float64(soft) * 1.2)
	select {
	case res := <-done:
		return res.output, res.err
	case <-time.After(hard):
		return nil, protocols.TimeoutError("request on thing '%s' exceeded the hard timeout", cThing.TD.ID)
	}
}

// ReadProperty reads a property value through the selected binding client.
// Without a resolver, or when the resolver has no client for the property,
// the last cached value is returned instead.
func (cThing *ConsumedThing) ReadProperty(name string) (*thing.InteractionOutput, error) {
	propAffordance := cThing.TD.GetProperty(name)
	if propAffordance == nil {
		return nil, fmt.Errorf("property '%s' is not defined in TD '%s'", name, cThing.TD.ID)
	}
	if cThing.resolver != nil {
		client, err := cThing.resolver.SelectClient(cThing.TD, name)
		if err == nil {
			value, err := cThing.callWithTimeout(
				func(ctx context.Context) (*thing.InteractionOutput, error) {
					return client.ReadProperty(ctx, cThing.TD, name)
				})
			if err != nil {
				return nil, err
			}
			cThing._putValue(name, value)
			return value, nil
		}
		logrus.Debugf("ReadProperty: no client for '%s' of thing '%s', using cache", name, cThing.TD.ID)
	}
	value, found := cThing._getValue(name)
	if !found {
		return nil, fmt.Errorf("property '%s' of thing '%s' has no known value", name, cThing.TD.ID)
	}
	return value, nil
}

// ReadMultipleProperties reads multiple Property values with one request.
// names is an array with names of properties to return.
// Returns a map from the given names to the InteractionOutput of that property.
func (cThing *ConsumedThing) ReadMultipleProperties(names []string) map[string]*thing.InteractionOutput {
	res := make(map[string]*thing.InteractionOutput)
	for _, name := range names {
		output, err := cThing.ReadProperty(name)
		if err == nil {
			res[name] = output
		}
	}
	return res
}

// ReadAllProperties reads all properties of the Thing.
// Returns a map from all property names to the InteractionOutput of the
// properties that have a value.
func (cThing *ConsumedThing) ReadAllProperties() map[string]*thing.InteractionOutput {
	names := make([]string, 0, len(cThing.TD.Properties))
	for name := range cThing.TD.Properties {
		names = append(names, name)
	}
	return cThing.ReadMultipleProperties(names)
}

// WriteProperty submits a request to change a property value.
// The request is sent to the exposed thing that in turn updates the actual
// device; the new value is confirmed through a property change notification.
func (cThing *ConsumedThing) WriteProperty(name string, value interface{}) error {
	if cThing.TD.GetProperty(name) == nil {
		return fmt.Errorf("property '%s' is not defined in TD '%s'", name, cThing.TD.ID)
	}
	if cThing.resolver == nil {
		return protocols.NotSupportedError("no binding client to write property '%s' of thing '%s'",
			name, cThing.TD.ID)
	}
	client, err := cThing.resolver.SelectClient(cThing.TD, name)
	if err != nil {
		return err
	}
	_, err = cThing.callWithTimeout(func(ctx context.Context) (*thing.InteractionOutput, error) {
		return nil, client.WriteProperty(ctx, cThing.TD, name, value)
	})
	return err
}

// WriteMultipleProperties writes multiple property values.
// properties is a map with property names as keys. The values are sent as
// individual update requests; the first failure aborts the remainder.
func (cThing *ConsumedThing) WriteMultipleProperties(properties map[string]interface{}) error {
	for propName, value := range properties {
		if err := cThing.WriteProperty(propName, value); err != nil {
			return err
		}
	}
	return nil
}

// InvokeAction invokes an action on the exposed thing and returns its result
func (cThing *ConsumedThing) InvokeAction(name string, data interface{}) (*thing.InteractionOutput, error) {
	actionAffordance := cThing.TD.GetAction(name)
	if actionAffordance == nil {
		err := fmt.Errorf("can't invoke action '%s': action is not defined in TD '%s'", name, cThing.TD.ID)
		logrus.Error(err)
		return nil, err
	}
	if cThing.resolver == nil {
		return nil, protocols.NotSupportedError("no binding client to invoke action '%s' of thing '%s'",
			name, cThing.TD.ID)
	}
	client, err := cThing.resolver.SelectClient(cThing.TD, name)
	if err != nil {
		return nil, err
	}
	return cThing.callWithTimeout(func(ctx context.Context) (*thing.InteractionOutput, error) {
		return client.InvokeAction(ctx, cThing.TD, name, data)
	})
}

// ObserveProperty makes a request for Property value change notifications.
// Only a single observer per property is allowed. When the underlying
// transport subscription fails it is recreated transparently after
// ResubscribeDelay, until Unsubscribe is called on the returned handle.
func (cThing *ConsumedThing) ObserveProperty(name string, handler InteractionListener) (*Subscription, error) {
	if cThing.TD.GetProperty(name) == nil {
		return nil, fmt.Errorf("property '%s' is not defined in TD '%s'", name, cThing.TD.ID)
	}
	cThing.subscriptionMutex.Lock()
	defer cThing.subscriptionMutex.Unlock()
	if _, found := cThing.activeObservations[name]; found {
		logrus.Errorf("A property observation for '%s' already exists", name)
		return nil, fmt.Errorf("property '%s' of thing '%s' is already observed", name, cThing.TD.ID)
	}
	sub := &Subscription{
		SubType: SubscriptionTypeProperty,
		Name:    name,
		Handler: handler,
		active:  true,
	}
	sub.detach = func() { cThing.forget(sub) }
	cThing.activeObservations[name] = sub
	cThing.connect(sub)
	return sub, nil
}

// SubscribeEvent makes a request for event notifications.
// Only a single subscriber per event is allowed. Failed transport
// subscriptions are recreated like in ObserveProperty.
func (cThing *ConsumedThing) SubscribeEvent(name string, handler InteractionListener) (*Subscription, error) {
	if cThing.TD.GetEvent(name) == nil {
		return nil, fmt.Errorf("event '%s' is not defined in TD '%s'", name, cThing.TD.ID)
	}
	cThing.subscriptionMutex.Lock()
	defer cThing.subscriptionMutex.Unlock()
	if _, found := cThing.activeSubscriptions[name]; found {
		logrus.Errorf("A subscription to event '%s' already exists", name)
		return nil, fmt.Errorf("event '%s' of thing '%s' is already subscribed", name, cThing.TD.ID)
	}
	sub := &Subscription{
		SubType: SubscriptionTypeEvent,
		Name:    name,
		Handler: handler,
		active:  true,
	}
	sub.detach = func() { cThing.forget(sub) }
	cThing.activeSubscriptions[name] = sub
	cThing.connect(sub)
	return sub, nil
}

// connect opens the transport subscription feeding the given subscription.
// Without a resolver the subscription is only fed through HandleEvent and
// HandlePropertyChange.
func (cThing *ConsumedThing) connect(sub *Subscription) {
	if cThing.resolver == nil {
		return
	}
	client, err := cThing.resolver.SelectClient(cThing.TD, sub.Name)
	if err != nil {
		logrus.Warningf("connect: no client for '%s' of thing '%s': %s", sub.Name, cThing.TD.ID, err)
		return
	}
	var observation *protocols.Observation
	if sub.SubType == SubscriptionTypeProperty {
		observation, err = client.ObserveProperty(cThing.TD, sub.Name)
	} else {
		observation, err = client.SubscribeEvent(cThing.TD, sub.Name)
	}
	if err != nil {
		logrus.Warningf("connect: subscribing to '%s' of thing '%s' failed: %s, retrying in %v",
			sub.Name, cThing.TD.ID, err, cThing.ResubscribeDelay)
		cThing.scheduleReconnect(sub)
		return
	}
	if !sub.replace(observation) {
		observation.Stop()
		return
	}
	observation.Subject.Subscribe(eventbus.Observer{
		Next: func(ev eventbus.EmittedEvent) {
			cThing.dispatch(sub, ev)
		},
		Error: func(err error) {
			logrus.Warningf("subscription to '%s' of thing '%s' failed: %s", sub.Name, cThing.TD.ID, err)
			cThing.scheduleReconnect(sub)
		},
	})
}

// forget removes an unsubscribed subscription from the active maps so the
// interaction can be subscribed again.
func (cThing *ConsumedThing) forget(sub *Subscription) {
	cThing.subscriptionMutex.Lock()
	defer cThing.subscriptionMutex.Unlock()
	if sub.SubType == SubscriptionTypeProperty {
		if cThing.activeObservations[sub.Name] == sub {
			delete(cThing.activeObservations, sub.Name)
		}
	} else {
		if cThing.activeSubscriptions[sub.Name] == sub {
			delete(cThing.activeSubscriptions, sub.Name)
		}
	}
}

// scheduleReconnect recreates the transport subscription after the
// re-subscribe delay, unless the subscription was cancelled.
func (cThing *ConsumedThing) scheduleReconnect(sub *Subscription) {
	time.AfterFunc(cThing.ResubscribeDelay, func() {
		if sub.isActive() {
			cThing.connect(sub)
		}
	})
}

// dispatch stores the received value and invokes the subscription handler
func (cThing *ConsumedThing) dispatch(sub *Subscription, ev eventbus.EmittedEvent) {
	var schema *thing.DataSchema
	if propAffordance := cThing.TD.GetProperty(sub.Name); propAffordance != nil {
		schema = &propAffordance.DataSchema
	} else if eventAffordance := cThing.TD.GetEvent(sub.Name); eventAffordance != nil {
		schema = &eventAffordance.Data
	}
	data := thing.NewInteractionOutput(ev.Value, schema)
	cThing._putValue(sub.Name, data)
	if sub.Handler != nil {
		sub.Handler(sub.Name, data)
	}
}

// HandleEvent handles an incoming event pushed by a binding.
// The payload is described in the TD event affordance. The value is cached
// and the subscriber to the event, if any, is notified.
func (cThing *ConsumedThing) HandleEvent(eventName string, message []byte) {
	eventAffordance := cThing.TD.GetEvent(eventName)
	if eventAffordance == nil {
		logrus.Infof("Ignoring unknown event '%s' for thing '%s'", eventName, cThing.TD.ID)
		return
	}
	evData := thing.NewInteractionOutputFromJson(message, &eventAffordance.Data)
	cThing._putValue(eventName, evData)

	cThing.subscriptionMutex.Lock()
	sub, found := cThing.activeSubscriptions[eventName]
	cThing.subscriptionMutex.Unlock()
	if found && sub.Handler != nil {
		sub.Handler(eventName, evData)
	}
}

// HandlePropertyChange handles an incoming property change notification
// pushed by a binding. The value is cached and the observer of the
// property, if any, is notified.
func (cThing *ConsumedThing) HandlePropertyChange(propName string, message []byte) {
	propAffordance := cThing.TD.GetProperty(propName)
	if propAffordance == nil {
		logrus.Infof("Ignoring unknown property '%s' for thing '%s'", propName, cThing.TD.ID)
		return
	}
	evData := thing.NewInteractionOutputFromJson(message, &propAffordance.DataSchema)
	cThing._putValue(propName, evData)

	cThing.subscriptionMutex.Lock()
	sub, found := cThing.activeObservations[propName]
	cThing.subscriptionMutex.Unlock()
	if found && sub.Handler != nil {
		sub.Handler(propName, evData)
	}
}

// Stop delivering notifications and release all subscriptions
func (cThing *ConsumedThing) Stop() {
	cThing.subscriptionMutex.Lock()
	subs := make([]*Subscription, 0, len(cThing.activeSubscriptions)+len(cThing.activeObservations))
	for _, sub := range cThing.activeSubscriptions {
		subs = append(subs, sub)
	}
	for _, sub := range cThing.activeObservations {
		subs = append(subs, sub)
	}
	cThing.activeSubscriptions = make(map[string]*Subscription)
	cThing.activeObservations = make(map[string]*Subscription)
	cThing.subscriptionMutex.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	cThing.valueStoreMutex.Lock()
	defer cThing.valueStoreMutex.Unlock()
	cThing.valueStore = make(map[string]*thing.InteractionOutput)
}
