package models

import "time"

// Metadata is a key/value row in the metadata area. Values are stored as
// strings; callers interpret them.
type Metadata struct {
	Key       string    `gorm:"size:64;primaryKey" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the collection name of the original schema.
func (Metadata) TableName() string { return "metadata" }

// MetaKeyVersion is the schema version key in the metadata area.
const MetaKeyVersion = "version"
