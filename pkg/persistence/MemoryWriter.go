package persistence

import (
	"fmt"
	"sync"
	"time"
)

// Point is one recorded datum
type Point struct {
	Bucket    string
	Key       string
	Value     interface{}
	Timestamp time.Time
}

// MemoryWriter keeps recorded points and tuples in memory. Intended for
// testing and for small deployments without a database.
type MemoryWriter struct {
	mutex  sync.RWMutex
	points []Point
	tables map[string][]map[string]interface{}
}

// WritePoint records the datum, flattening nested map values to dotted keys
func (writer *MemoryWriter) WritePoint(bucket string, key string, value interface{}) error {
	now := time.Now()
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	for flatKey, flatValue := range FlattenValue(key, value) {
		writer.points = append(writer.points, Point{
			Bucket:    bucket,
			Key:       flatKey,
			Value:     flatValue,
			Timestamp: now,
		})
	}
	return nil
}

// ExecuteQuery returns the rows of the table named by the query
func (writer *MemoryWriter) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	writer.mutex.RLock()
	defer writer.mutex.RUnlock()
	rows, found := writer.tables[query]
	if !found {
		return nil, fmt.Errorf("unknown table '%s'", query)
	}
	result := make([]map[string]interface{}, len(rows))
	copy(result, rows)
	return result, nil
}

// InsertData appends the tuple to the named table
func (writer *MemoryWriter) InsertData(table string, tuple map[string]interface{}) error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	writer.tables[table] = append(writer.tables[table], tuple)
	return nil
}

// Points returns a snapshot of the recorded points
func (writer *MemoryWriter) Points() []Point {
	writer.mutex.RLock()
	defer writer.mutex.RUnlock()
	snapshot := make([]Point, len(writer.points))
	copy(snapshot, writer.points)
	return snapshot
}

// NewMemoryWriter creates an in-memory writer
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{
		tables: make(map[string][]map[string]interface{}),
	}
}
