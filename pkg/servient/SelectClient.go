package servient

import (
	"sort"

	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// Protocol preference per interaction type. MQTT pushes property changes
// without polling, HTTP has the lowest request overhead for one-shot calls
// and WebSocket streams events without a broker in between.
var (
	propertyPreference = []string{
		vocab.ProtocolMQTT, vocab.ProtocolHTTP, vocab.ProtocolCoAP, vocab.ProtocolWebsockets}
	actionPreference = []string{
		vocab.ProtocolHTTP, vocab.ProtocolWebsockets, vocab.ProtocolMQTT, vocab.ProtocolCoAP}
	eventPreference = []string{
		vocab.ProtocolWebsockets, vocab.ProtocolMQTT, vocab.ProtocolCoAP, vocab.ProtocolHTTP}
)

// SelectClient returns the binding client to use for the interaction. The
// choice is a pure function of the TD content and the registered client set:
// among the clients that support a form of the interaction, the first in
// the preference list of the interaction type wins. When no preferred
// protocol matches, the supported client with the smallest protocol name is
// returned so selection stays deterministic.
//
// Consumed things call this on every interaction, so a client added for a
// protocol that a remote Thing gains later is picked up without re-consuming.
func (servient *Servient) SelectClient(td *thing.ThingTD, name string) (protocols.ProtocolClient, error) {
	servient.mutex.Lock()
	supported := make(map[string]protocols.ProtocolClient)
	for protocol, client := range servient.clients {
		if client.IsSupportedInteraction(td, name) {
			supported[protocol] = client
		}
	}
	servient.mutex.Unlock()

	if len(supported) == 0 {
		return nil, protocols.NotSupportedError(
			"no registered client supports interaction '%s' of thing '%s'", name, td.ID)
	}
	var preference []string
	switch td.InteractionTypeOf(name) {
	case vocab.InteractionTypeProperty:
		preference = propertyPreference
	case vocab.InteractionTypeAction:
		preference = actionPreference
	case vocab.InteractionTypeEvent:
		preference = eventPreference
	}
	for _, protocol := range preference {
		if client, found := supported[protocol]; found {
			return client, nil
		}
	}
	remaining := make([]string, 0, len(supported))
	for protocol := range supported {
		remaining = append(remaining, protocol)
	}
	sort.Strings(remaining)
	return supported[remaining[0]], nil
}
