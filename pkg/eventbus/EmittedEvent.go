// Package eventbus with the in-process event subject connecting exposed
// things to the protocol binding servers.
package eventbus

import (
	"time"

	"github.com/wostzone/servient-go/pkg/vocab"
)

// Event types of events flowing over the bus
const (
	EventTypePropertyChange   = "propertychange"
	EventTypeActionInvocation = "actioninvocation"
	EventTypeTDChange         = "tdchange"
	EventTypeCustom           = "event"
)

// EmittedEvent is the tagged variant flowing over a Thing's event subject.
// EventType selects the variant; the other members are filled per variant.
type EmittedEvent struct {
	// EventType is one of the EventType* constants
	EventType string

	// Name of the property, event or action this event belongs to
	Name string
	// Value with the property value, event payload or action result
	Value interface{}
	// Err with the handler failure of an action invocation, nil on success
	Err error

	// ChangeType with the interaction type of a TD change, eg vocab.TDChangeTypeProperty
	ChangeType string
	// Method of the TD change, vocab.TDChangeMethodAdd or ..Remove
	Method string
	// Data with the affordance that was added, nil on removal
	Data interface{}
	// TD with a snapshot of the changed TD document
	TD map[string]interface{}

	// Timestamp in vocab.TimeFormat, assigned when the event is emitted
	Timestamp string
}

// NewPropertyChangeEvent creates the event emitted after a property write
func NewPropertyChangeEvent(name string, value interface{}) EmittedEvent {
	return EmittedEvent{
		EventType: EventTypePropertyChange,
		Name:      name,
		Value:     value,
	}
}

// NewActionInvocationEvent creates the event emitted after an action handler
// returned. A failed handler is reported with err set and a nil return value.
func NewActionInvocationEvent(actionName string, returnValue interface{}, err error) EmittedEvent {
	return EmittedEvent{
		EventType: EventTypeActionInvocation,
		Name:      actionName,
		Value:     returnValue,
		Err:       err,
	}
}

// NewTDChangeEvent creates the event emitted when an interaction is added to
// or removed from an exposed Thing.
func NewTDChangeEvent(changeType string, method string, name string,
	data interface{}, td map[string]interface{}) EmittedEvent {
	return EmittedEvent{
		EventType:  EventTypeTDChange,
		Name:       name,
		ChangeType: changeType,
		Method:     method,
		Data:       data,
		TD:         td,
	}
}

// NewCustomEvent creates a Thing event with an application defined payload
func NewCustomEvent(name string, payload interface{}) EmittedEvent {
	return EmittedEvent{
		EventType: EventTypeCustom,
		Name:      name,
		Value:     payload,
	}
}

// stamp fills in the emit timestamp if the producer did not set one
func (ev *EmittedEvent) stamp() {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().Format(vocab.TimeFormat)
	}
}
