package thing

// DataSchema with the metadata that describes the data format of property
// values, action input/output and event payloads.
// This is a subset of the W3C WoT TD 1.1 dataschema vocabulary.
type DataSchema struct {
	AtType      string        `json:"@type,omitempty"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	// Type of the value: WoTDataTypeNumber, ..Object, ..Array, ..String, ..Integer, ..Boolean or ""
	Type     string        `json:"type,omitempty"`
	Unit     string        `json:"unit,omitempty"`
	Const    interface{}   `json:"const,omitempty"`
	Default  interface{}   `json:"default,omitempty"`
	Enum     []interface{} `json:"enum,omitempty"`
	ReadOnly bool          `json:"readOnly,omitempty"`
	// WriteOnly properties can be set but not read, eg passwords
	WriteOnly bool `json:"writeOnly,omitempty"`
	Format    string `json:"format,omitempty"`
}
