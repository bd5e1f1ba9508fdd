package thing

import "encoding/json"

// StringList is a list of strings that accepts both a single JSON string and
// a JSON array when parsing. TD 1.1 allows the short single-value form for
// members such as 'security' and form 'op'.
type StringList []string

// UnmarshalJSON parses either a string or an array of strings
func (list *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*list = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*list = many
	return nil
}

// Contains returns true if the list holds the given value
func (list StringList) Contains(value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
