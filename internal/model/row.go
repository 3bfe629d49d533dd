package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SourceField is the key carrying the source name in every published row.
const SourceField = "source"

// Field is one normalized column value.
type Field struct {
	Name  string
	Value interface{}
}

// Row is the normalized, bus-ready representation of a fetched row.
// Fields keep the column order of the query.
type Row struct {
	Source string
	Fields []Field
}

// Get returns the value of the named field.
func (r Row) Get(name string) (interface{}, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// MarshalJSON encodes the row as a JSON object in column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", f.Name, err)
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal column %q: %w", f.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
