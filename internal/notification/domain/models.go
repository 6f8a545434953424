// Package domain defines the notification outbox contract. Delivery itself
// (email, SMS) happens outside this core; rows are picked up by an external
// dispatcher.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type NotificationStatus string

const (
	NotificationQueued NotificationStatus = "queued"
	NotificationSent   NotificationStatus = "sent"
)

// Notification is one queued outbox row.
type Notification struct {
	ID        snowflake.ID       `gorm:"primaryKey"`
	PatientID snowflake.ID       `gorm:"not null;index"`
	Kind      string             `gorm:"type:text;not null;index"`
	Payload   datatypes.JSONMap  `gorm:"not null"`
	Status    NotificationStatus `gorm:"type:text;not null;default:'queued'"`
	CreatedAt time.Time          `gorm:"not null"`
}

// TableName sets the database table name.
func (Notification) TableName() string { return "notifications" }

type Service interface {
	Notify(ctx context.Context, patientID snowflake.ID, kind string, payload map[string]any) error
}
