package models

import "time"

// NotificationPreference holds one user's alert switches.
type NotificationPreference struct {
	UserID        string    `gorm:"primaryKey;type:varchar(64)" json:"userId"`
	CallAlerts    bool      `gorm:"not null" json:"callAlerts"`
	MessageAlerts bool      `gorm:"not null" json:"messageAlerts"`
	Sound         bool      `gorm:"not null" json:"sound"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
