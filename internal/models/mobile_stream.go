package models

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// SessionIDLength is the length of a mobile session identifier. The wire
// protocol carries a 24-character hex id, so session ids cannot be ULIDs.
const SessionIDLength = 24

var sessionIDRe = regexp.MustCompile(`^[0-9a-f]{24}$`)

// NewSessionID generates a 24-character hex session identifier: a 4-byte
// unix timestamp followed by 8 random bytes.
func NewSessionID() string {
	var raw [12]byte
	binary.BigEndian.PutUint32(raw[:4], uint32(time.Now().Unix()))
	if _, err := rand.Read(raw[4:]); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(raw[:])
}

// ValidSessionID reports whether s is a well-formed mobile session id.
func ValidSessionID(s string) bool {
	return sessionIDRe.MatchString(s)
}

// Position is one GPS fix reported by a mobile client.
type Position struct {
	Time  time.Time  `json:"time"`
	Coord [2]float64 `json:"coord"` // latitude, longitude
}

// PositionList stores the position history as a JSON column.
type PositionList []Position

// Value implements driver.Valuer.
func (p PositionList) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling positions: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (p *PositionList) Scan(value any) error {
	if value == nil {
		*p = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into PositionList", value)
	}
	if len(data) == 0 {
		*p = nil
		return nil
	}
	return json.Unmarshal(data, p)
}

// MobileStream is one mobile-originated live upload session.
type MobileStream struct {
	ID        string       `gorm:"type:varchar(24);primaryKey" json:"id"`
	Start     time.Time    `json:"start"`
	Active    bool         `gorm:"index" json:"active"`
	Position  PositionList `gorm:"type:text" json:"position"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TableName keeps the collection name of the original schema.
func (MobileStream) TableName() string { return "mobile_streams" }

// LastPosition returns the most recent position, or nil when none exist.
func (m *MobileStream) LastPosition() *Position {
	if len(m.Position) == 0 {
		return nil
	}
	return &m.Position[len(m.Position)-1]
}
