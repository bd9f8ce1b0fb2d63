package models

// ProviderRecord is a provider definition stored in the database. Records
// complement the statically configured providers; both feed the same
// registry at startup.
type ProviderRecord struct {
	BaseModel

	Name           string `gorm:"size:255;uniqueIndex" json:"name"`
	Identifier     string `gorm:"size:16;uniqueIndex" json:"identifier"`
	Access         string `gorm:"size:1024" json:"access"`
	InputOpt       string `gorm:"size:1024" json:"input_opt"`
	OutputOpt      string `gorm:"size:1024" json:"output_opt"`
	Mode           string `gorm:"size:16" json:"mode"`
	Collection     string `gorm:"size:64" json:"collection"`
	Enabled        *bool  `json:"enabled"`
	ThumbnailLocal *bool  `json:"thumbnail_local"`
}

// TableName keeps the collection name of the original schema.
func (ProviderRecord) TableName() string { return "providers" }
