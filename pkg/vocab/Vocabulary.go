// Package vocab with the WoT vocabulary used in Thing Description documents
// and protocol bindings.
package vocab

// TimeFormat is the ISO8601 format used in 'created' and 'modified' TD fields
const TimeFormat = "2006-01-02T15:04:05.000-0700"

// WoTAtContext is the JSON-LD context of emitted TD documents
const WoTAtContext = "https://www.w3.org/2022/wot/td/v1.1"

// MediaTypeJSON is the default contentType of forms
const MediaTypeJSON = "application/json"

// Interaction verbs as used in the 'op' member of TD forms
const (
	OpReadProperty      = "readproperty"
	OpWriteProperty     = "writeproperty"
	OpObserveProperty   = "observeproperty"
	OpUnobserveProperty = "unobserveproperty"
	OpInvokeAction      = "invokeaction"
	OpSubscribeEvent    = "subscribeevent"
	OpUnsubscribeEvent  = "unsubscribeevent"
)

// Interaction types
const (
	InteractionTypeProperty = "property"
	InteractionTypeAction   = "action"
	InteractionTypeEvent    = "event"
)

// Protocol identifiers of the available bindings
const (
	ProtocolCoAP       = "coap"
	ProtocolHTTP       = "http"
	ProtocolMQTT       = "mqtt"
	ProtocolWebsockets = "websockets"
)

// URI schemes per protocol. The secure variant is preferred by clients when
// both appear in a TD.
const (
	SchemeCoAP   = "coap"
	SchemeCoAPS  = "coaps"
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
	SchemeMQTT   = "mqtt"
	SchemeMQTTS  = "mqtts"
	SchemeWS     = "ws"
	SchemeWSS    = "wss"
)

// WoT data schema types
const (
	WoTDataTypeArray   = "array"
	WoTDataTypeBool    = "boolean"
	WoTDataTypeInteger = "integer"
	WoTDataTypeNone    = ""
	WoTDataTypeNumber  = "number"
	WoTDataTypeObject  = "object"
	WoTDataTypeString  = "string"
)

// Security scheme names as used in TD securityDefinitions
const (
	SecuritySchemeNoSec   = "nosec"
	SecuritySchemeAuto    = "auto"
	SecuritySchemeCombo   = "combo"
	SecuritySchemeBasic   = "basic"
	SecuritySchemeDigest  = "digest"
	SecuritySchemeAPIKey  = "apikey"
	SecuritySchemeBearer  = "bearer"
	SecuritySchemePSK     = "psk"
	SecuritySchemeOAuth2  = "oauth2"
	SecuritySchemeOIDC4VP = "oidc4vp"
)

// SecuritySchemeTypes lists the known scheme names. Scheme names outside this
// list fail closed when building authenticators or credentials.
var SecuritySchemeTypes = []string{
	SecuritySchemeNoSec, SecuritySchemeAuto, SecuritySchemeCombo,
	SecuritySchemeBasic, SecuritySchemeDigest, SecuritySchemeAPIKey,
	SecuritySchemeBearer, SecuritySchemePSK, SecuritySchemeOAuth2,
	SecuritySchemeOIDC4VP,
}

// TD change types and methods carried by thing description change events
const (
	TDChangeTypeProperty = "property"
	TDChangeTypeAction   = "action"
	TDChangeTypeEvent    = "event"

	TDChangeMethodAdd    = "add"
	TDChangeMethodRemove = "remove"
)

// DeviceType of a Thing for use in the TD @type field
type DeviceType string

// Device types of Things
const (
	DeviceTypeButton  DeviceType = "button"
	DeviceTypeGateway DeviceType = "gateway"
	DeviceTypeSensor  DeviceType = "sensor"
	DeviceTypeService DeviceType = "service"
)
