package models

import (
	"fmt"
	"strings"
	"time"
)

type Gender string

const (
	GenderUnspecified Gender = "unspecified"
	GenderMale        Gender = "male"
	GenderFemale      Gender = "female"
	GenderOther       Gender = "other"
)

// ParseGender accepts the empty string as unspecified.
func ParseGender(s string) (Gender, error) {
	switch Gender(strings.ToLower(strings.TrimSpace(s))) {
	case "", GenderUnspecified:
		return GenderUnspecified, nil
	case GenderMale:
		return GenderMale, nil
	case GenderFemale:
		return GenderFemale, nil
	case GenderOther:
		return GenderOther, nil
	}
	return "", fmt.Errorf("unknown gender %q", s)
}

type User struct {
	ID           string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	Email        string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"type:varchar(255);not null" json:"-"`
	Username     string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	Name         string    `gorm:"type:varchar(128)" json:"name"`
	Bio          string    `gorm:"type:text" json:"bio"`
	Gender       Gender    `gorm:"type:varchar(16);not null;default:unspecified" json:"gender"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// DisplayName falls back to the username when no name is set.
func (u User) DisplayName() string {
	if strings.TrimSpace(u.Name) != "" {
		return u.Name
	}
	return u.Username
}
