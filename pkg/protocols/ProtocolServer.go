package protocols

import (
	"github.com/wostzone/servient-go/pkg/exposedthing"
	"github.com/wostzone/servient-go/pkg/thing"
)

// ProtocolServer is the exposing side of a protocol binding. A server is
// authoritative only for the exposed Things currently added to it; the
// servient mirrors this set when Things are enabled or disabled.
//
// Start and Stop are idempotent.
type ProtocolServer interface {
	// Protocol returns the binding identifier, eg vocab.ProtocolHTTP
	Protocol() string

	// Port the server listens on
	Port() int

	// FormPort is the port written into generated form hrefs. It differs
	// from Port when the server sits behind a proxy.
	FormPort() int

	// Start the server. Starting an already started server is a no-op.
	// A failure to bind leaves the server stopped.
	Start() error

	// Stop the server and all its connections. Idempotent.
	Stop() error

	// AddExposedThing starts routing requests for the Thing
	AddExposedThing(eThing *exposedthing.ExposedThing)

	// RemoveExposedThing stops routing requests for the Thing
	RemoveExposedThing(thingID string)

	// BuildForms returns the auto-generated forms of this server for the
	// interaction with the given name.
	BuildForms(hostname string, td *thing.ThingTD, name string) []thing.Form

	// BuildBaseURL returns the base URL of the Thing on this server
	BuildBaseURL(hostname string, td *thing.ThingTD) string
}
