package models

import (
	"time"

	"gorm.io/datatypes"
)

type AuditLog struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	ActorID      string         `json:"actorID" gorm:"size:36;index"`
	Action       string         `json:"action" gorm:"size:64;index"`
	ResourceType string         `json:"resourceType" gorm:"size:64;index"`
	ResourceID   string         `json:"resourceID" gorm:"size:64;index"`
	BeforeJSON   datatypes.JSON `json:"beforeJSON"`
	AfterJSON    datatypes.JSON `json:"afterJSON"`
	IPAddress    string         `json:"ipAddress" gorm:"size:64"`
	CreatedAt    time.Time      `json:"createdAt"`
}
