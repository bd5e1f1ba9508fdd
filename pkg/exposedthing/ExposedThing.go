// Package exposedthing that implements the ExposedThing API.
// Exposed Things are used by IoT device implementers to provide access to
// the device through the servient's protocol bindings.
package exposedthing

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/persistence"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// PropertyReadHandler serves a property read request.
// Returns the property value to report to the requester.
type PropertyReadHandler func(eThing *ExposedThing, name string) (*thing.InteractionOutput, error)

// PropertyWriteHandler applies a property write request to the device.
type PropertyWriteHandler func(eThing *ExposedThing, name string, value *thing.InteractionOutput) error

// ActionHandler runs an action invocation and returns its result
type ActionHandler func(eThing *ExposedThing, name string, input *thing.InteractionOutput) (interface{}, error)

// ExposedThing wraps a Thing Description with the device-side state: the
// last known property values, the read/write/invoke handler tables and the
// event subject feeding the protocol binding servers.
//
// This loosely follows the WoT scripting API for ExposedThing as described at
// https://www.w3.org/TR/wot-scripting-api/#the-exposedthing-interface
//
// Handler resolution is deterministic: the per-interaction handler if
// registered, else the handler registered under the name "", else the
// built-in default. The default read and write handlers are the in-memory
// value store; the default action handler fails.
type ExposedThing struct {
	// TD with the Thing Description document this exposed thing exposes
	TD *thing.ThingTD

	// handler tables, "" holds the fallback handler
	readHandlers   map[string]PropertyReadHandler
	writeHandlers  map[string]PropertyWriteHandler
	actionHandlers map[string]ActionHandler

	// mutex for async updating of the handler tables
	handlerMutex sync.RWMutex

	// valueStore holds the last property and event values
	valueStore map[string]*thing.InteractionOutput

	// mutex for concurrent access to stored values
	valueStoreMutex sync.RWMutex

	// subject with the property change, action and TD change events
	subject *eventbus.Subject

	// writer records read property values; never breaks an interaction
	writer persistence.Writer

	// exposed is set while binding servers route requests for this Thing
	exposed      bool
	exposedMutex sync.RWMutex
}

// CreateExposedThing creates a new exposed thing around the given TD
func CreateExposedThing(td *thing.ThingTD) *ExposedThing {
	eThing := &ExposedThing{
		TD:             td,
		readHandlers:   make(map[string]PropertyReadHandler),
		writeHandlers:  make(map[string]PropertyWriteHandler),
		actionHandlers: make(map[string]ActionHandler),
		valueStore:     make(map[string]*thing.InteractionOutput),
		subject:        eventbus.NewSubject(),
		writer:         persistence.NewNopWriter(),
	}
	return eThing
}

// _getValue reads the latest cached value from the value store.
// This is concurrent safe and should be the only way to access the values.
func (eThing *ExposedThing) _getValue(key string) (value *thing.InteractionOutput, found bool) {
	eThing.valueStoreMutex.RLock()
	defer eThing.valueStoreMutex.RUnlock()
	value, found = eThing.valueStore[key]
	return value, found
}

// _putValue writes the latest value into the value store cache.
// This is concurrent safe and should be the only way to access the values.
func (eThing *ExposedThing) _putValue(key string, value *thing.InteractionOutput) {
	eThing.valueStoreMutex.Lock()
	defer eThing.valueStoreMutex.Unlock()
	eThing.valueStore[key] = value
}

// GetThingDescription returns the TD document of this exposed Thing
func (eThing *ExposedThing) GetThingDescription() *thing.ThingTD {
	return eThing.TD
}

// Events returns the event subject of this Thing. Binding servers subscribe
// to push property changes and events to their consumers.
func (eThing *ExposedThing) Events() *eventbus.Subject {
	return eThing.subject
}

// SetWriter installs the persistence writer that records read property
// values. A nil writer restores the discarding default.
func (eThing *ExposedThing) SetWriter(writer persistence.Writer) {
	if writer == nil {
		writer = persistence.NewNopWriter()
	}
	eThing.writer = writer
}

// Expose marks the Thing as served by the binding servers
func (eThing *ExposedThing) Expose() {
	eThing.exposedMutex.Lock()
	defer eThing.exposedMutex.Unlock()
	eThing.exposed = true
}

// Destroy stops serving external requests. The Thing itself, its values and
// handlers remain intact and the Thing can be exposed again.
func (eThing *ExposedThing) Destroy() {
	eThing.exposedMutex.Lock()
	defer eThing.exposedMutex.Unlock()
	eThing.exposed = false
}

// IsExposed returns true while binding servers route requests for this Thing
func (eThing *ExposedThing) IsExposed() bool {
	eThing.exposedMutex.RLock()
	defer eThing.exposedMutex.RUnlock()
	return eThing.exposed
}

// ReadProperty returns the value of a property through the read handler
// chain: the property's own handler, the fallback handler, or the stored
// value. The returned value is recorded with the persistence writer.
func (eThing *ExposedThing) ReadProperty(name string) (*thing.InteractionOutput, error) {
	propAffordance := eThing.TD.GetProperty(name)
	if propAffordance == nil {
		return nil, fmt.Errorf("property '%s' is not defined for thing '%s'", name, eThing.TD.ID)
	}
	var value *thing.InteractionOutput
	var err error

	handler := eThing.getReadHandler(name)
	if handler != nil {
		value, err = handler(eThing, name)
		if err != nil {
			return nil, err
		}
		eThing._putValue(name, value)
	} else {
		stored, found := eThing._getValue(name)
		if !found {
			return nil, fmt.Errorf("property '%s' of thing '%s' has no value", name, eThing.TD.ID)
		}
		value = stored
	}
	if writeErr := eThing.writer.WritePoint(eThing.TD.ID, name, value.Value); writeErr != nil {
		logrus.Warningf("ReadProperty: recording '%s' of thing '%s' failed: %s",
			name, eThing.TD.ID, writeErr)
	}
	return value, nil
}

// ReadAllProperties returns the values of all properties that currently have
// one. Properties without a value or whose read handler fails are skipped.
func (eThing *ExposedThing) ReadAllProperties() map[string]*thing.InteractionOutput {
	values := make(map[string]*thing.InteractionOutput)
	for name := range eThing.TD.Properties {
		value, err := eThing.ReadProperty(name)
		if err == nil {
			values[name] = value
		}
	}
	return values
}

// WriteProperty applies a new property value through the write handler
// chain, stores it and emits a property change event.
func (eThing *ExposedThing) WriteProperty(name string, value interface{}) error {
	propAffordance := eThing.TD.GetProperty(name)
	if propAffordance == nil {
		return fmt.Errorf("property '%s' is not defined for thing '%s'", name, eThing.TD.ID)
	}
	newValue := thing.NewInteractionOutput(value, &propAffordance.DataSchema)

	handler := eThing.getWriteHandler(name)
	if handler != nil {
		if err := handler(eThing, name, newValue); err != nil {
			return err
		}
	}
	eThing._putValue(name, newValue)
	eThing.subject.Next(eventbus.NewPropertyChangeEvent(name, value))
	return nil
}

// HandleWriteProperty is the external write path used by binding servers.
// It rejects writes to read-only properties before dispatching and parses
// the raw JSON payload with the property schema.
func (eThing *ExposedThing) HandleWriteProperty(name string, message []byte) error {
	logrus.Infof("Thing '%s', property '%s'", eThing.TD.ID, name)
	propAffordance := eThing.TD.GetProperty(name)
	if propAffordance == nil {
		return fmt.Errorf("property '%s' is not defined for thing '%s'", name, eThing.TD.ID)
	}
	if propAffordance.ReadOnly {
		return fmt.Errorf("property '%s' of thing '%s' is non-writable", name, eThing.TD.ID)
	}
	var value interface{}
	if err := json.Unmarshal(message, &value); err != nil {
		return fmt.Errorf("invalid value for property '%s': %w", name, err)
	}
	return eThing.WriteProperty(name, value)
}

// InvokeAction runs the action handler chain and emits an action invocation
// event carrying the result, or the failure when the handler failed. The
// event is emitted after the handler returned.
func (eThing *ExposedThing) InvokeAction(name string, input *thing.InteractionOutput) (interface{}, error) {
	logrus.Infof("Thing '%s', action '%s'", eThing.TD.ID, name)
	actionAffordance := eThing.TD.GetAction(name)
	if actionAffordance == nil {
		return nil, fmt.Errorf("action '%s' is not defined for thing '%s'", name, eThing.TD.ID)
	}
	handler := eThing.getActionHandler(name)
	if handler == nil {
		err := fmt.Errorf("Undefined action handler for action '%s' of thing '%s'", name, eThing.TD.ID)
		eThing.subject.Next(eventbus.NewActionInvocationEvent(name, nil, err))
		return nil, err
	}
	result, err := handler(eThing, name, input)
	if err != nil {
		eThing.subject.Next(eventbus.NewActionInvocationEvent(name, nil, err))
		return nil, err
	}
	eThing.subject.Next(eventbus.NewActionInvocationEvent(name, result, nil))
	return result, nil
}

// HandleInvokeAction is the external invocation path used by binding
// servers. The raw JSON input is parsed with the action input schema.
func (eThing *ExposedThing) HandleInvokeAction(name string, message []byte) (interface{}, error) {
	actionAffordance := eThing.TD.GetAction(name)
	if actionAffordance == nil {
		return nil, fmt.Errorf("action '%s' is not defined for thing '%s'", name, eThing.TD.ID)
	}
	var input *thing.InteractionOutput
	if len(message) > 0 {
		input = thing.NewInteractionOutputFromJson(message, actionAffordance.Input)
	}
	return eThing.InvokeAction(name, input)
}

// EmitEvent publishes a Thing event to subscribers. The event must be
// declared in the TD.
//
// name is the name of the event as described in the TD.
// payload is the event value as defined in the TD event schema.
func (eThing *ExposedThing) EmitEvent(name string, payload interface{}) error {
	eventAffordance := eThing.TD.GetEvent(name)
	if eventAffordance == nil {
		logrus.Errorf("EmitEvent: event '%s' not defined for thing '%s'", name, eThing.TD.ID)
		return fmt.Errorf("event '%s' is not defined for thing '%s'", name, eThing.TD.ID)
	}
	eThing._putValue(name, thing.NewInteractionOutput(payload, &eventAffordance.Data))
	eThing.subject.Next(eventbus.NewCustomEvent(name, payload))
	return nil
}

// EmitPropertyChange stores a device-initiated property value and notifies
// observers. Use this when the device state changed outside a write request.
func (eThing *ExposedThing) EmitPropertyChange(name string, value interface{}) error {
	propAffordance := eThing.TD.GetProperty(name)
	if propAffordance == nil {
		return fmt.Errorf("property '%s' is not defined for thing '%s'", name, eThing.TD.ID)
	}
	eThing._putValue(name, thing.NewInteractionOutput(value, &propAffordance.DataSchema))
	eThing.subject.Next(eventbus.NewPropertyChangeEvent(name, value))
	return nil
}

// EmitPropertiesChange emits a change notification for each property in the
// map. With onlyChanges set, values equal to the stored value are skipped.
func (eThing *ExposedThing) EmitPropertiesChange(propMap map[string]interface{}, onlyChanges bool) error {
	for name, newValue := range propMap {
		if onlyChanges {
			lastValue, found := eThing._getValue(name)
			if found && lastValue.Value == newValue {
				continue
			}
		}
		if err := eThing.EmitPropertyChange(name, newValue); err != nil {
			return err
		}
	}
	return nil
}

// AddProperty adds a property to the TD and announces the change through a
// TD change event carrying the updated TD document.
func (eThing *ExposedThing) AddProperty(name string, title string, dataType string) *thing.PropertyAffordance {
	prop := eThing.TD.AddProperty(name, title, dataType)
	eThing.emitTDChange(vocab.TDChangeTypeProperty, vocab.TDChangeMethodAdd, name, prop)
	return prop
}

// AddAction adds an action to the TD and announces the change
func (eThing *ExposedThing) AddAction(name string, title string, dataType string) *thing.ActionAffordance {
	action := eThing.TD.AddAction(name, title, dataType)
	eThing.emitTDChange(vocab.TDChangeTypeAction, vocab.TDChangeMethodAdd, name, action)
	return action
}

// AddEvent adds an event to the TD and announces the change
func (eThing *ExposedThing) AddEvent(name string, title string, dataType string) *thing.EventAffordance {
	event := eThing.TD.AddEvent(name, title, dataType)
	eThing.emitTDChange(vocab.TDChangeTypeEvent, vocab.TDChangeMethodAdd, name, event)
	return event
}

// RemoveInteraction removes the property, action or event with the given
// name from the TD and announces the change. Unknown names are ignored.
func (eThing *ExposedThing) RemoveInteraction(name string) {
	interactionType := eThing.TD.RemoveInteraction(name)
	if interactionType == "" {
		return
	}
	eThing.emitTDChange(interactionType, vocab.TDChangeMethodRemove, name, nil)
}

func (eThing *ExposedThing) emitTDChange(changeType string, method string, name string, data interface{}) {
	eThing.subject.Next(eventbus.NewTDChangeEvent(changeType, method, name, data, eThing.TD.AsMap()))
}

// SetActionHandler sets the handler for an action of the IoT device.
// Only a single handler per action is active; setting a handler replaces the
// previous one. Use name "" to set the fallback handler for all actions
// without their own handler.
func (eThing *ExposedThing) SetActionHandler(name string, handler ActionHandler) {
	eThing.handlerMutex.Lock()
	defer eThing.handlerMutex.Unlock()
	eThing.actionHandlers[name] = handler
}

// SetPropertyReadHandler sets the handler that produces the value of a
// property read. Use name "" for the fallback handler. Without any handler
// reads return the last stored value.
func (eThing *ExposedThing) SetPropertyReadHandler(name string, handler PropertyReadHandler) {
	eThing.handlerMutex.Lock()
	defer eThing.handlerMutex.Unlock()
	eThing.readHandlers[name] = handler
}

// SetPropertyWriteHandler sets the handler that applies a property write to
// the device. Use name "" for the fallback handler. Without any handler
// writes update the stored value directly.
func (eThing *ExposedThing) SetPropertyWriteHandler(name string, handler PropertyWriteHandler) {
	eThing.handlerMutex.Lock()
	defer eThing.handlerMutex.Unlock()
	eThing.writeHandlers[name] = handler
}

func (eThing *ExposedThing) getReadHandler(name string) PropertyReadHandler {
	eThing.handlerMutex.RLock()
	defer eThing.handlerMutex.RUnlock()
	if handler, found := eThing.readHandlers[name]; found && handler != nil {
		return handler
	}
	return eThing.readHandlers[""]
}

func (eThing *ExposedThing) getWriteHandler(name string) PropertyWriteHandler {
	eThing.handlerMutex.RLock()
	defer eThing.handlerMutex.RUnlock()
	if handler, found := eThing.writeHandlers[name]; found && handler != nil {
		return handler
	}
	return eThing.writeHandlers[""]
}

func (eThing *ExposedThing) getActionHandler(name string) ActionHandler {
	eThing.handlerMutex.RLock()
	defer eThing.handlerMutex.RUnlock()
	if handler, found := eThing.actionHandlers[name]; found && handler != nil {
		return handler
	}
	return eThing.actionHandlers[""]
}
