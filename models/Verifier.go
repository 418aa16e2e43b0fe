package models

import (
	"time"
)

// Verifier is a bank entitled to one vote per submission.
type Verifier struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	Name       string    `json:"name" gorm:"size:256;not null;uniqueIndex"`
	APIKeyHash string    `json:"-" gorm:"size:100;not null"`
	Active     bool      `json:"active" gorm:"not null"`
	CreatedAt  time.Time `json:"created_at"`
}
