package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StreamData is arbitrary per-stream catalog metadata stored as JSON.
type StreamData map[string]string

// Value implements driver.Valuer.
func (d StreamData) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshaling stream data: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (d *StreamData) Scan(value any) error {
	if value == nil {
		*d = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into StreamData", value)
	}
	if len(data) == 0 {
		*d = nil
		return nil
	}
	return json.Unmarshal(data, d)
}

// StaticStream is one catalog entry for a db-backed provider: the origin
// stream identifier plus descriptive metadata.
type StaticStream struct {
	BaseModel

	// Collection groups entries per provider.
	Collection string `gorm:"size:64;index" json:"collection"`

	// Stream is the origin-side stream identifier (number or name).
	Stream string `gorm:"size:255" json:"stream"`

	Data StreamData `gorm:"type:text" json:"data"`
}

// TableName keeps the collection name of the original schema.
func (StaticStream) TableName() string { return "static_streams" }
