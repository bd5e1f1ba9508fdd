// Package thing with the Thing model and the Thing Description document codec
package thing

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/gosimple/slug"

	"github.com/wostzone/servient-go/pkg/vocab"
)

// interaction names are restricted to a URL and topic safe character set
var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// ThingTD holds a Thing Description document and adds methods to create,
// modify and query it.
//
// Forms fall in two classes. Forms parsed from the TD document belong to the
// TD author and are never modified. Auto-generated forms are owned by the
// servient and are rebuilt whenever a binding server starts or stops; they
// are merged into the document when it is serialized.
type ThingTD struct {
	// AtContext with the JSON-LD context. A string or list per TD 1.1.
	AtContext interface{} `json:"@context"`
	AtType    StringList  `json:"@type,omitempty"`
	// ID with the unique URI of the Thing within the servient
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Support     string `json:"support,omitempty"`
	// Created and Modified timestamps in vocab.TimeFormat
	Created  string `json:"created,omitempty"`
	Modified string `json:"modified,omitempty"`
	// Base URL for resolving relative form hrefs. The catalogue fills this
	// in when emitting the TD.
	Base    string                 `json:"base,omitempty"`
	Version map[string]interface{} `json:"version,omitempty"`

	Properties map[string]*PropertyAffordance `json:"properties,omitempty"`
	Actions    map[string]*ActionAffordance   `json:"actions,omitempty"`
	Events     map[string]*EventAffordance    `json:"events,omitempty"`

	// Forms at the Thing level
	Forms []Form                   `json:"forms,omitempty"`
	Links []map[string]interface{} `json:"links,omitempty"`

	// Security with the names of the active security schemes. Each name must
	// resolve in SecurityDefinitions.
	Security            StringList                 `json:"security"`
	SecurityDefinitions map[string]*SecurityScheme `json:"securityDefinitions"`

	// fields of the source document this codec does not model, preserved
	// for round-tripping
	extra map[string]json.RawMessage

	updateMutex sync.RWMutex
}

// knownTDFields are the top level members handled by the ThingTD struct
var knownTDFields = []string{
	"@context", "@type", "id", "title", "description", "support",
	"created", "modified", "base", "version", "properties", "actions",
	"events", "forms", "links", "security", "securityDefinitions",
}

// CreateThingID creates a Thing ID from its zone, device ID and device type.
//  zone the Thing belongs to. The default "" is the local zone.
func CreateThingID(zone string, deviceID string, deviceType vocab.DeviceType) string {
	if zone == "" {
		zone = "local"
	}
	return fmt.Sprintf("urn:%s:%s:%s", zone, deviceID, deviceType)
}

// CreateTD creates a new Thing Description document with the required fields.
//
//  thingID is the unique URI of the Thing. See CreateThingID for the recommended format.
//  title is the human description of the Thing. Its slug is the URL-safe name.
//  deviceType is an optional @type label from the device type vocabulary.
func CreateTD(thingID string, title string, deviceType vocab.DeviceType) *ThingTD {
	td := &ThingTD{
		AtContext:  []string{vocab.WoTAtContext},
		ID:         thingID,
		Title:      title,
		Created:    time.Now().Format(vocab.TimeFormat),
		Modified:   time.Now().Format(vocab.TimeFormat),
		Properties: make(map[string]*PropertyAffordance),
		Actions:    make(map[string]*ActionAffordance),
		Events:     make(map[string]*EventAffordance),
		Security:   StringList{vocab.SecuritySchemeNoSec},
		SecurityDefinitions: map[string]*SecurityScheme{
			vocab.SecuritySchemeNoSec: {Scheme: vocab.SecuritySchemeNoSec},
		},
	}
	if deviceType != "" {
		td.AtType = StringList{string(deviceType)}
	}
	return td
}

// ParseTD parses and validates a Thing Description document
func ParseTD(doc []byte) (*ThingTD, error) {
	td := &ThingTD{}
	if err := json.Unmarshal(doc, td); err != nil {
		return nil, fmt.Errorf("not a valid TD document: %w", err)
	}
	if err := td.Validate(); err != nil {
		return nil, err
	}
	return td, nil
}

// UnmarshalJSON parses a TD document, keeping unmodelled top level fields
// aside so they survive a parse/emit round trip.
func (tdoc *ThingTD) UnmarshalJSON(doc []byte) error {
	type alias ThingTD
	target := (*alias)(tdoc)
	if err := json.Unmarshal(doc, target); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		return err
	}
	for _, known := range knownTDFields {
		delete(raw, known)
	}
	if len(raw) > 0 {
		tdoc.extra = raw
	}
	if tdoc.Properties == nil {
		tdoc.Properties = make(map[string]*PropertyAffordance)
	}
	if tdoc.Actions == nil {
		tdoc.Actions = make(map[string]*ActionAffordance)
	}
	if tdoc.Events == nil {
		tdoc.Events = make(map[string]*EventAffordance)
	}
	return nil
}

// MarshalJSON emits the TD document including the preserved unmodelled
// fields and the current set of auto-generated forms.
func (tdoc *ThingTD) MarshalJSON() ([]byte, error) {
	type alias ThingTD
	doc, err := json.Marshal((*alias)(tdoc))
	if err != nil {
		return nil, err
	}
	if len(tdoc.extra) == 0 {
		return doc, nil
	}
	var merged map[string]json.RawMessage
	if err = json.Unmarshal(doc, &merged); err != nil {
		return nil, err
	}
	for key, value := range tdoc.extra {
		if _, shadowed := merged[key]; !shadowed {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Validate checks the TD invariants: required fields are present, every
// security name resolves in securityDefinitions, declared forms carry an
// href, interaction names are well formed and no two interactions share a
// name or a URL-safe name.
func (tdoc *ThingTD) Validate() error {
	if tdoc.AtContext == nil {
		return fmt.Errorf("TD '%s' is missing @context", tdoc.ID)
	}
	if tdoc.Title == "" {
		return fmt.Errorf("TD '%s' is missing a title", tdoc.ID)
	}
	if len(tdoc.Security) == 0 {
		return fmt.Errorf("TD '%s' is missing the security field", tdoc.Title)
	}
	if len(tdoc.SecurityDefinitions) == 0 {
		return fmt.Errorf("TD '%s' is missing securityDefinitions", tdoc.Title)
	}
	for _, name := range tdoc.Security {
		if _, found := tdoc.SecurityDefinitions[name]; !found {
			return fmt.Errorf("TD '%s': security scheme '%s' is not defined in securityDefinitions",
				tdoc.Title, name)
		}
	}

	names := make(map[string]string)
	slugs := make(map[string]string)
	checkName := func(name string, kind string, forms []Form) error {
		if !nameRegexp.MatchString(name) {
			return fmt.Errorf("TD '%s': invalid %s name '%s'", tdoc.Title, kind, name)
		}
		if prev, dup := names[name]; dup {
			return fmt.Errorf("TD '%s': %s name '%s' duplicates a %s", tdoc.Title, kind, name, prev)
		}
		urlName := slug.Make(name)
		if prev, dup := slugs[urlName]; dup {
			return fmt.Errorf("TD '%s': %s name '%s' slug duplicates a %s", tdoc.Title, kind, name, prev)
		}
		names[name] = kind
		slugs[urlName] = kind
		for _, form := range forms {
			if form.Href == "" {
				return fmt.Errorf("TD '%s': %s '%s' has a form without an href", tdoc.Title, kind, name)
			}
		}
		return nil
	}
	for name, aff := range tdoc.Properties {
		if err := checkName(name, "property", aff.Forms); err != nil {
			return err
		}
	}
	for name, aff := range tdoc.Actions {
		if err := checkName(name, "action", aff.Forms); err != nil {
			return err
		}
	}
	for name, aff := range tdoc.Events {
		if err := checkName(name, "event", aff.Forms); err != nil {
			return err
		}
	}
	return nil
}

// UrlName returns the URL-safe name of the Thing, the slug of its title
func (tdoc *ThingTD) UrlName() string {
	return slug.Make(tdoc.Title)
}

// GetID returns the ID of the Thing TD
func (tdoc *ThingTD) GetID() string {
	return tdoc.ID
}

// AsMap returns the TD document as a map
func (tdoc *ThingTD) AsMap() map[string]interface{} {
	tdoc.updateMutex.RLock()
	defer tdoc.updateMutex.RUnlock()

	var asMap map[string]interface{}
	asJSON, _ := json.Marshal(tdoc)
	_ = json.Unmarshal(asJSON, &asMap)
	return asMap
}

// AddProperty provides a simple way to add a property to the TD.
// This returns the property affordance that can be augmented/modified directly.
// By default the property is a read-only attribute.
//
// name is the name under which it is stored in the property affordance map.
// Any existing name will be replaced.
// title is the title used in the property. It is okay to use name if not sure.
// dataType is the type of data the property holds, vocab.WoTDataTypeNumber,
// ..Object, ..Array, ..String, ..Integer, ..Boolean or null.
func (tdoc *ThingTD) AddProperty(name string, title string, dataType string) *PropertyAffordance {
	prop := &PropertyAffordance{
		DataSchema: DataSchema{
			Title:    title,
			Type:     dataType,
			ReadOnly: true,
		},
	}
	tdoc.UpdateProperty(name, prop)
	return prop
}

// AddAction provides a simple way to add an action affordance to the TD.
// This returns the action affordance that can be augmented/modified directly.
//
// name is the name under which it is stored in the action affordance map.
// Any existing name will be replaced.
func (tdoc *ThingTD) AddAction(name string, title string, dataType string) *ActionAffordance {
	actionAff := &ActionAffordance{
		Title: title,
		Input: &DataSchema{
			Title: title,
			Type:  dataType,
		},
	}
	tdoc.UpdateAction(name, actionAff)
	return actionAff
}

// AddEvent provides a simple way to add an event to the TD.
// This returns the event affordance that can be augmented/modified directly.
//
// name is the name under which it is stored in the event affordance map.
// Any existing name will be replaced.
func (tdoc *ThingTD) AddEvent(name string, title string, dataType string) *EventAffordance {
	evAff := &EventAffordance{
		Title: title,
		Data: DataSchema{
			Title: title,
			Type:  dataType,
		},
	}
	tdoc.UpdateEvent(name, evAff)
	return evAff
}

// GetProperty returns the affordance for the property or nil if name is not
// a property.
func (tdoc *ThingTD) GetProperty(name string) *PropertyAffordance {
	tdoc.updateMutex.RLock()
	defer tdoc.updateMutex.RUnlock()
	return tdoc.Properties[name]
}

// GetAction returns the affordance for the action or nil if name is not an action
func (tdoc *ThingTD) GetAction(name string) *ActionAffordance {
	tdoc.updateMutex.RLock()
	defer tdoc.updateMutex.RUnlock()
	return tdoc.Actions[name]
}

// GetEvent returns the affordance for the event or nil if name is not an event
func (tdoc *ThingTD) GetEvent(name string) *EventAffordance {
	tdoc.updateMutex.RLock()
	defer tdoc.updateMutex.RUnlock()
	return tdoc.Events[name]
}

// GetForms returns the declared plus auto-generated forms of the interaction
// with the given name, or nil if the name is unknown.
func (tdoc *ThingTD) GetForms(name string) []Form {
	tdoc.updateMutex.RLock()
	defer tdoc.updateMutex.RUnlock()
	if aff, found := tdoc.Properties[name]; found {
		return aff.AllForms()
	}
	if aff, found := tdoc.Actions[name]; found {
		return aff.AllForms()
	}
	if aff, found := tdoc.Events[name]; found {
		return aff.AllForms()
	}
	return nil
}

// UpdateProperty adds or replaces a property affordance in the TD.
// Returns the added affordance to support chaining.
func (tdoc *ThingTD) UpdateProperty(name string, affordance *PropertyAffordance) *PropertyAffordance {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	tdoc.Properties[name] = affordance
	return affordance
}

// UpdateAction adds a new or replaces an existing action affordance of name.
// Returns the added affordance to support chaining.
func (tdoc *ThingTD) UpdateAction(name string, affordance *ActionAffordance) *ActionAffordance {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	tdoc.Actions[name] = affordance
	return affordance
}

// UpdateEvent adds a new or replaces an existing event affordance of name.
// Returns the added affordance to support chaining.
func (tdoc *ThingTD) UpdateEvent(name string, affordance *EventAffordance) *EventAffordance {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	tdoc.Events[name] = affordance
	return affordance
}

// RemoveInteraction removes the property, action or event with the given
// name from the TD. Returns the interaction type that was removed or "" if
// the name was not found.
func (tdoc *ThingTD) RemoveInteraction(name string) string {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	if _, found := tdoc.Properties[name]; found {
		delete(tdoc.Properties, name)
		return vocab.InteractionTypeProperty
	}
	if _, found := tdoc.Actions[name]; found {
		delete(tdoc.Actions, name)
		return vocab.InteractionTypeAction
	}
	if _, found := tdoc.Events[name]; found {
		delete(tdoc.Events, name)
		return vocab.InteractionTypeEvent
	}
	return ""
}

// UpdateTitleDescription sets the title and description of the Thing
func (tdoc *ThingTD) UpdateTitleDescription(title string, description string) {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	tdoc.Title = title
	tdoc.Description = description
}

// UpdateForms sets the top level forms section of the TD
func (tdoc *ThingTD) UpdateForms(formList []Form) {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	tdoc.Forms = formList
}

// AddAutoForm adds an auto-generated form to the interaction with the given
// name. Duplicate forms (same identity) are ignored.
func (tdoc *ThingTD) AddAutoForm(name string, form Form) {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	if aff, found := tdoc.Properties[name]; found {
		aff.AddAutoForm(form)
	} else if aff, found := tdoc.Actions[name]; found {
		aff.AddAutoForm(form)
	} else if aff, found := tdoc.Events[name]; found {
		aff.AddAutoForm(form)
	}
}

// CleanAutoForms removes the auto-generated forms of the given protocol from
// all interactions of this Thing. An empty protocol removes all of them.
// TD-declared forms are not touched.
func (tdoc *ThingTD) CleanAutoForms(protocol string) {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	for _, aff := range tdoc.Properties {
		aff.CleanAutoForms(protocol)
	}
	for _, aff := range tdoc.Actions {
		aff.CleanAutoForms(protocol)
	}
	for _, aff := range tdoc.Events {
		aff.CleanAutoForms(protocol)
	}
}

// InteractionNames returns the names of all properties, actions and events
func (tdoc *ThingTD) InteractionNames() []string {
	tdoc.updateMutex.RLock()
	defer tdoc.updateMutex.RUnlock()
	names := make([]string, 0, len(tdoc.Properties)+len(tdoc.Actions)+len(tdoc.Events))
	for name := range tdoc.Properties {
		names = append(names, name)
	}
	for name := range tdoc.Actions {
		names = append(names, name)
	}
	for name := range tdoc.Events {
		names = append(names, name)
	}
	return names
}
