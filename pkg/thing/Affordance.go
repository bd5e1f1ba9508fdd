package thing

import (
	"encoding/json"

	"github.com/gosimple/slug"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// InteractionAffordance with the members shared by property, action and event
// affordances.
//
// Forms declared in the TD document are immutable for the life of the Thing.
// Auto-generated forms are rebuilt by the servient whenever the set of
// running binding servers changes; they are kept apart from the declared
// forms so regeneration cannot touch what the TD author wrote.
type InteractionAffordance struct {
	// Forms declared in the TD document
	Forms []Form `json:"forms,omitempty"`
	// URIVariables for use in the form hrefs
	URIVariables map[string]DataSchema `json:"uriVariables,omitempty"`

	// autogenerated forms, rebuilt on servient topology changes
	autoForms []Form
}

// AddAutoForm adds an auto-generated form. Forms with the identity of an
// already present auto-generated form are ignored.
func (aff *InteractionAffordance) AddAutoForm(form Form) {
	id := form.ID()
	for _, existing := range aff.autoForms {
		if existing.ID() == id {
			return
		}
	}
	aff.autoForms = append(aff.autoForms, form)
}

// CleanAutoForms removes auto-generated forms of the given protocol.
// An empty protocol removes all auto-generated forms. TD-declared forms are
// never touched.
func (aff *InteractionAffordance) CleanAutoForms(protocol string) {
	if protocol == "" {
		aff.autoForms = nil
		return
	}
	kept := aff.autoForms[:0]
	for _, form := range aff.autoForms {
		if form.Protocol != protocol {
			kept = append(kept, form)
		}
	}
	aff.autoForms = kept
}

// AutoForms returns the current auto-generated forms
func (aff *InteractionAffordance) AutoForms() []Form {
	return aff.autoForms
}

// AllForms returns the TD-declared forms followed by the auto-generated forms
func (aff *InteractionAffordance) AllForms() []Form {
	all := make([]Form, 0, len(aff.Forms)+len(aff.autoForms))
	all = append(all, aff.Forms...)
	all = append(all, aff.autoForms...)
	return all
}

// PropertyAffordance describes a property of a Thing. The data schema is
// held by composition; access the schema fields through the DataSchema
// member rather than through the affordance itself.
type PropertyAffordance struct {
	InteractionAffordance
	DataSchema
	// Observable properties generate observeproperty forms and property
	// change notifications
	Observable bool `json:"observable,omitempty"`
}

// ActionAffordance describes an action of a Thing
type ActionAffordance struct {
	InteractionAffordance
	AtType      string      `json:"@type,omitempty"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Input       *DataSchema `json:"input,omitempty"`
	Output      *DataSchema `json:"output,omitempty"`
	// Safe actions do not change the Thing state
	Safe bool `json:"safe,omitempty"`
	// Idempotent actions can be repeated with the same effect
	Idempotent bool `json:"idempotent,omitempty"`
}

// EventAffordance describes an event source of a Thing
type EventAffordance struct {
	InteractionAffordance
	AtType       string      `json:"@type,omitempty"`
	Title        string      `json:"title,omitempty"`
	Description  string      `json:"description,omitempty"`
	Data         DataSchema  `json:"data,omitempty"`
	Subscription *DataSchema `json:"subscription,omitempty"`
	Cancellation *DataSchema `json:"cancellation,omitempty"`
}

// MarshalJSON emits the affordance with declared and auto-generated forms
// merged into the single 'forms' member, as consumers of the TD see them.
func (aff *PropertyAffordance) MarshalJSON() ([]byte, error) {
	type alias PropertyAffordance
	return json.Marshal(&struct {
		*alias
		Forms []Form `json:"forms,omitempty"`
	}{(*alias)(aff), aff.AllForms()})
}

// MarshalJSON emits the affordance with all forms merged. See PropertyAffordance.
func (aff *ActionAffordance) MarshalJSON() ([]byte, error) {
	type alias ActionAffordance
	return json.Marshal(&struct {
		*alias
		Forms []Form `json:"forms,omitempty"`
	}{(*alias)(aff), aff.AllForms()})
}

// MarshalJSON emits the affordance with all forms merged. See PropertyAffordance.
func (aff *EventAffordance) MarshalJSON() ([]byte, error) {
	type alias EventAffordance
	return json.Marshal(&struct {
		*alias
		Forms []Form `json:"forms,omitempty"`
	}{(*alias)(aff), aff.AllForms()})
}

// UrlName returns the URL-safe version of the given interaction name
func UrlName(name string) string {
	return slug.Make(name)
}

// InteractionTypeOf returns which of the three interaction maps of the TD
// holds the given name, or "" if the name is unknown.
func (tdoc *ThingTD) InteractionTypeOf(name string) string {
	tdoc.updateMutex.RLock()
	defer tdoc.updateMutex.RUnlock()
	if _, found := tdoc.Properties[name]; found {
		return vocab.InteractionTypeProperty
	}
	if _, found := tdoc.Actions[name]; found {
		return vocab.InteractionTypeAction
	}
	if _, found := tdoc.Events[name]; found {
		return vocab.InteractionTypeEvent
	}
	return ""
}
