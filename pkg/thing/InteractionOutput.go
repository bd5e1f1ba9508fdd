package thing

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// InteractionOutput to expose the data returned from reading a property,
// subscribing to an event or the result of an action. Use the ValueAsXyz()
// methods to get the value in its native type.
type InteractionOutput struct {
	// Schema describing the data, from the TD affordance. Nil if unknown.
	Schema *DataSchema
	// raw data from the interaction as described by the Schema
	jsonEncoded []byte
	// decoded data in its native format, eg string, int, array, object
	Value interface{}
}

// ValueAsArray returns the value as an array.
// The result depends on the Schema type
//  array: returns the array as a list
//  boolean: returns a list with a single boolean
//  number: returns a list with a single number
//  string: returns a list with a single string
//  object: returns a list with the object
func (io *InteractionOutput) ValueAsArray() []interface{} {
	obj := make([]interface{}, 0)
	switch typedValue := io.Value.(type) {
	case []interface{}:
		obj = typedValue
	case nil:
	default:
		obj = append(obj, io.Value)
	}
	return obj
}

// ValueAsString returns the value as a string
func (io *InteractionOutput) ValueAsString() string {
	s := ""
	switch typedValue := io.Value.(type) {
	case string:
		s = typedValue
	case nil:
	default:
		asJSON, err := json.Marshal(io.Value)
		if err != nil {
			logrus.Errorf("ValueAsString: Can't convert value '%v' to a string", io.Value)
			return ""
		}
		s = string(asJSON)
	}
	return s
}

// ValueAsBoolean returns the value as a boolean
func (io *InteractionOutput) ValueAsBoolean() bool {
	b, ok := io.Value.(bool)
	if !ok {
		logrus.Errorf("ValueAsBoolean: value '%v' is not a boolean", io.Value)
	}
	return b
}

// ValueAsInt returns the value as an integer
func (io *InteractionOutput) ValueAsInt() int {
	i := 0
	switch typedValue := io.Value.(type) {
	case int:
		i = typedValue
	case float64:
		i = int(typedValue)
	case float32:
		i = int(typedValue)
	case string:
		err := json.Unmarshal([]byte(typedValue), &i)
		if err != nil {
			logrus.Errorf("ValueAsInt: value '%v' is not an integer", io.Value)
		}
	default:
		logrus.Errorf("ValueAsInt: value '%v' is not an integer", io.Value)
	}
	return i
}

// ValueAsMap returns the value as a key-value map
// Returns nil if no data was provided.
func (io *InteractionOutput) ValueAsMap() map[string]interface{} {
	obj, ok := io.Value.(map[string]interface{})
	if !ok && io.jsonEncoded != nil {
		err := json.Unmarshal(io.jsonEncoded, &obj)
		if err != nil {
			logrus.Errorf("ValueAsMap: Can't convert value '%v' to a map", io.Value)
		}
	}
	return obj
}

// ValueAsJson returns the value as serialized JSON
func (io *InteractionOutput) ValueAsJson() []byte {
	if io.jsonEncoded != nil {
		return io.jsonEncoded
	}
	asJSON, err := json.Marshal(io.Value)
	if err != nil {
		logrus.Errorf("ValueAsJson: Can't serialize value '%v'", io.Value)
	}
	return asJSON
}

// NewInteractionOutput creates a new interaction output from a decoded value
//  value is the native data, eg string, int, array, object
//  schema describes the data, nil in case of unknown schema
func NewInteractionOutput(value interface{}, schema *DataSchema) *InteractionOutput {
	jsonEncoded, err := json.Marshal(value)
	if err != nil {
		logrus.Errorf("NewInteractionOutput: Unable to serialize value: %v", value)
	}
	io := &InteractionOutput{
		jsonEncoded: jsonEncoded,
		Value:       value,
		Schema:      schema,
	}
	return io
}

// NewInteractionOutputFromJson creates a new interaction output from
// serialized JSON data.
//  jsonEncoded is raw data that will be decoded with the given schema
//  schema describes the data, nil in case of unknown schema
func NewInteractionOutputFromJson(jsonEncoded []byte, schema *DataSchema) *InteractionOutput {
	var value interface{}
	err := json.Unmarshal(jsonEncoded, &value)
	if err != nil {
		logrus.Errorf("NewInteractionOutputFromJson: Unable to parse data: %s", jsonEncoded)
	}
	io := &InteractionOutput{
		jsonEncoded: jsonEncoded,
		Value:       value,
		Schema:      schema,
	}
	return io
}
