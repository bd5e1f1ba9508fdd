package persistence

// NopWriter discards everything. Used when no store is configured.
type NopWriter struct{}

// WritePoint discards the datum
func (writer *NopWriter) WritePoint(bucket string, key string, value interface{}) error {
	return nil
}

// ExecuteQuery returns no rows
func (writer *NopWriter) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	return nil, nil
}

// InsertData discards the tuple
func (writer *NopWriter) InsertData(table string, tuple map[string]interface{}) error {
	return nil
}

// NewNopWriter creates a writer that discards everything
func NewNopWriter() *NopWriter {
	return &NopWriter{}
}
