package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONText stores raw JSON in a jsonb column.
type JSONText json.RawMessage

// Value implements driver.Valuer interface for JSONText
func (j JSONText) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner interface for JSONText
func (j *JSONText) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = JSONText(v)
	default:
		return fmt.Errorf("failed to scan JSONText: unsupported type %T", value)
	}
	return nil
}

// MarshalJSON returns j as the JSON encoding of j.
func (j JSONText) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON sets *j to a copy of data.
func (j *JSONText) UnmarshalJSON(data []byte) error {
	*j = append((*j)[0:0], data...)
	return nil
}
