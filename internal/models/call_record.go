package models

import "time"

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

type CallStatus string

const (
	CallStatusAnswered CallStatus = "answered"
	CallStatusMissed   CallStatus = "missed"
	CallStatusDeclined CallStatus = "declined"
)

// CallRecord is one participant's copy of a finished call. Each side of a call owns its own row,
// so deleting history never touches the other party's view.
type CallRecord struct {
	BaseModel

	ParticipantID   string     `gorm:"type:varchar(64);not null;index:idx_call_records_owner_started,priority:1" json:"participantId"`
	PeerID          string     `gorm:"type:varchar(64);not null" json:"peerId"`
	ChatID          *string    `gorm:"type:varchar(64)" json:"chatId,omitempty"`
	CallType        CallType   `gorm:"type:varchar(16);not null" json:"callType"`
	Status          CallStatus `gorm:"type:varchar(16);not null" json:"status"`
	StartedAt       time.Time  `gorm:"not null;index:idx_call_records_owner_started,priority:2" json:"startedAt"`
	DurationSeconds *int       `json:"durationSeconds,omitempty"`
}
