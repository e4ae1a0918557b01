package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Document is the stored state of one room. State is the encoded replica
// state as the relay last merged it.
type Document struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Room      string         `json:"room" gorm:"type:varchar(255);not null;uniqueIndex"`
	State     []byte         `json:"-" gorm:"type:bytea"`
	Size      int            `json:"size"`
	Version   int64          `json:"version" gorm:"not null;default:1"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"index"` // archiver scans by recency
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// BeforeCreate hook to generate UUID if not present
func (d *Document) BeforeCreate(tx *gorm.DB) (err error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return
}

// DocumentInfo is a document without its state, for listings.
type DocumentInfo struct {
	Room      string    `json:"room"`
	Size      int       `json:"size"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (d *Document) Info() DocumentInfo {
	return DocumentInfo{Room: d.Room, Size: d.Size, Version: d.Version, UpdatedAt: d.UpdatedAt}
}

// RelayMessage carries one room frame between relay instances.
type RelayMessage struct {
	ID      string    `json:"id"`
	Origin  string    `json:"origin"`
	Room    string    `json:"room"`
	Type    string    `json:"type"`
	Payload []byte    `json:"payload,omitempty"`
	Clients []uint64  `json:"clients,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}
