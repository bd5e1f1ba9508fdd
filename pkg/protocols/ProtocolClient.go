package protocols

import (
	"context"
	"sync"
	"time"

	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/thing"
)

// DefaultSubscribeTimeout bounds the control exchange that opens or closes
// an observation stream.
const DefaultSubscribeTimeout = 10 * time.Second

// Observation is the handle returned by the observe and subscribe methods of
// a protocol client. Events, completion and failure arrive on the Subject.
// Stop disconnects the underlying transport subscription; it is idempotent.
type Observation struct {
	Subject *eventbus.Subject

	stopOnce sync.Once
	stop     func()
}

// NewObservation creates an observation handle around a subject and a
// transport stop function.
func NewObservation(subject *eventbus.Subject, stop func()) *Observation {
	return &Observation{Subject: subject, stop: stop}
}

// Stop disconnects the transport feeding the subject
func (obs *Observation) Stop() {
	obs.stopOnce.Do(func() {
		if obs.stop != nil {
			obs.stop()
		}
	})
}

// ProtocolClient is the consumer side of a protocol binding. One instance
// serves all Things of one servient; per-call state lives in the call.
type ProtocolClient interface {
	// Protocol returns the binding identifier, eg vocab.ProtocolHTTP
	Protocol() string

	// IsSupportedInteraction returns true when the TD carries at least one
	// form for the interaction under a URI scheme owned by this client.
	IsSupportedInteraction(td *thing.ThingTD, name string) bool

	// ReadProperty reads the current value of a property
	ReadProperty(ctx context.Context, td *thing.ThingTD, name string) (*thing.InteractionOutput, error)

	// WriteProperty writes a property value
	WriteProperty(ctx context.Context, td *thing.ThingTD, name string, value interface{}) error

	// InvokeAction invokes an action and returns its result
	InvokeAction(ctx context.Context, td *thing.ThingTD, name string, input interface{}) (*thing.InteractionOutput, error)

	// ObserveProperty opens an observation stream of property change values
	ObserveProperty(td *thing.ThingTD, name string) (*Observation, error)

	// SubscribeEvent opens an observation stream of event payloads
	SubscribeEvent(td *thing.ThingTD, name string) (*Observation, error)

	// SetSecurity installs the credentials to use for the given security
	// definitions. Returns false when this client cannot apply any of them.
	SetSecurity(definitions map[string]*thing.SecurityScheme, credentials map[string]interface{}) bool

	// Stop releases all client connections
	Stop()
}
