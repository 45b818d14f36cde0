package schema

import (
	"time"

	"github.com/google/uuid"
)

const (
	Public  = "public"
	Private = "private"
)

const (
	Pending   = "pending"
	Committed = "committed"
)

type Model struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name    string `gorm:"uniqueIndex;size:100;not null"`
	Type    string `gorm:"size:100;not null"`
	Subtype string `gorm:"size:100;not null"`

	Access string `gorm:"size:100;not null;default:'private'"`
	Status string `gorm:"size:100;not null"`

	Size     int64  `gorm:"not null"`
	Checksum string `gorm:"not null"`

	StorageType string `gorm:"size:100;not null"`

	Description string
	Metadata    string

	CreatedAt time.Time

	AccessTokens []AccessToken `gorm:"constraint:OnDelete:CASCADE"`
}

type AccessToken struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Token string `gorm:"uniqueIndex;size:100;not null"`
	Name  string `gorm:"size:100;not null"`

	ModelId uuid.UUID `gorm:"type:uuid;not null;index"`
	Model   *Model    `gorm:"constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
}

type Admin struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Email    string `gorm:"uniqueIndex;size:254;not null"`
	Password []byte `gorm:"not null"`
}
