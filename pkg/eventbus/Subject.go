package eventbus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Observer with the callbacks of a subscription. Next is invoked for each
// event, Complete once when the subject finishes normally and Error once
// when it fails. Complete and Error are optional.
type Observer struct {
	Next     func(ev EmittedEvent)
	Complete func()
	Error    func(err error)
}

// EventFilter selects which events a subscription receives
type EventFilter func(ev EmittedEvent) bool

// FilterEventName passes only events with the given name
func FilterEventName(name string) EventFilter {
	return func(ev EmittedEvent) bool {
		return ev.Name == name
	}
}

// FilterPropertyChange passes only property change events of the given property
func FilterPropertyChange(propName string) EventFilter {
	return func(ev EmittedEvent) bool {
		return ev.EventType == EventTypePropertyChange && ev.Name == propName
	}
}

// FilterEventType passes only events of the given event type
func FilterEventType(eventType string) EventFilter {
	return func(ev EmittedEvent) bool {
		return ev.EventType == eventType
	}
}

type subscriber struct {
	id       int
	filter   EventFilter
	observer Observer
	// release transport resources attached to this subscription
	onRelease func()
}

// Subscription is the handle returned by Subject.Subscribe. Unsubscribe is
// idempotent and releases any transport resource attached to it.
type Subscription struct {
	subject *Subject
	id      int
	once    sync.Once
}

// Unsubscribe removes the subscription from the subject
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.subject.remove(sub.id)
	})
}

// Subject is a multi-producer multi-consumer stream of EmittedEvents.
// Subscriptions are cold: an observer only sees events emitted after it
// subscribed. Events are delivered to each observer sequentially in emit
// order. Once the subject completes or errors, further events are dropped.
type Subject struct {
	mutex     sync.Mutex
	counter   int
	observers map[int]*subscriber
	finalized bool
}

// NewSubject creates a new event subject
func NewSubject() *Subject {
	return &Subject{
		observers: make(map[int]*subscriber),
	}
}

// Subscribe registers an observer for all events
func (subject *Subject) Subscribe(observer Observer) *Subscription {
	return subject.SubscribeFiltered(nil, observer)
}

// SubscribeFiltered registers an observer for the events the filter passes.
// A nil filter passes everything.
func (subject *Subject) SubscribeFiltered(filter EventFilter, observer Observer) *Subscription {
	subject.mutex.Lock()
	defer subject.mutex.Unlock()
	subject.counter++
	id := subject.counter
	subject.observers[id] = &subscriber{
		id:       id,
		filter:   filter,
		observer: observer,
	}
	return &Subscription{subject: subject, id: id}
}

// OnRelease attaches a cleanup callback to the subscription, invoked once
// when it is unsubscribed. Bindings use this to drop the transport
// subscription that feeds the observer.
func (subject *Subject) OnRelease(sub *Subscription, release func()) {
	subject.mutex.Lock()
	defer subject.mutex.Unlock()
	if entry, found := subject.observers[sub.id]; found {
		entry.onRelease = release
	} else {
		// already unsubscribed
		release()
	}
}

// Next emits an event to all matching observers. Events emitted after the
// subject finalized are dropped.
func (subject *Subject) Next(ev EmittedEvent) {
	ev.stamp()
	subject.mutex.Lock()
	if subject.finalized {
		subject.mutex.Unlock()
		logrus.Debugf("Subject.Next: dropping event '%s', subject has finalized", ev.Name)
		return
	}
	targets := subject.snapshot()
	subject.mutex.Unlock()

	for _, entry := range targets {
		if entry.filter == nil || entry.filter(ev) {
			if entry.observer.Next != nil {
				entry.observer.Next(ev)
			}
		}
	}
}

// Complete finalizes the subject. Observers receive their Complete callback
// exactly once; a second Complete or Error is a no-op.
func (subject *Subject) Complete() {
	targets, first := subject.finalize()
	if !first {
		return
	}
	for _, entry := range targets {
		if entry.observer.Complete != nil {
			entry.observer.Complete()
		}
	}
}

// Error finalizes the subject with a failure. Observers receive their Error
// callback exactly once; a second Complete or Error is a no-op.
func (subject *Subject) Error(err error) {
	targets, first := subject.finalize()
	if !first {
		return
	}
	for _, entry := range targets {
		if entry.observer.Error != nil {
			entry.observer.Error(err)
		}
	}
}

// RunProducer invokes the producer and finalizes the subject when it
// returns: Complete on a nil error, Error otherwise. A panic in the producer
// is recovered and reported through Error as well.
func (subject *Subject) RunProducer(producer func() error) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				subject.Error(err)
			} else {
				subject.Error(&producerPanic{value: r})
			}
		}
	}()
	if err := producer(); err != nil {
		subject.Error(err)
	} else {
		subject.Complete()
	}
}

type producerPanic struct {
	value interface{}
}

func (p *producerPanic) Error() string {
	return "event producer panicked"
}

// finalize marks the subject done and detaches all observers.
// Returns the detached observers and whether this call was the first.
func (subject *Subject) finalize() ([]*subscriber, bool) {
	subject.mutex.Lock()
	defer subject.mutex.Unlock()
	if subject.finalized {
		return nil, false
	}
	subject.finalized = true
	targets := subject.snapshot()
	for _, entry := range targets {
		subject.release(entry)
	}
	subject.observers = make(map[int]*subscriber)
	return targets, true
}

// snapshot returns the observers in subscription order. Must hold the mutex.
func (subject *Subject) snapshot() []*subscriber {
	targets := make([]*subscriber, 0, len(subject.observers))
	for id := 1; id <= subject.counter; id++ {
		if entry, found := subject.observers[id]; found {
			targets = append(targets, entry)
		}
	}
	return targets
}

func (subject *Subject) remove(id int) {
	subject.mutex.Lock()
	defer subject.mutex.Unlock()
	if entry, found := subject.observers[id]; found {
		delete(subject.observers, id)
		subject.release(entry)
	}
}

func (subject *Subject) release(entry *subscriber) {
	if entry.onRelease != nil {
		release := entry.onRelease
		entry.onRelease = nil
		release()
	}
}
