package models

// Chat is a two-party conversation; its participants are the only parties allowed on its
// signaling channel. ParticipantA sorts before ParticipantB so a pair maps to one row.
type Chat struct {
	BaseModel

	ParticipantA string `gorm:"type:varchar(64);not null;uniqueIndex:idx_chats_pair,priority:1" json:"participantA"`
	ParticipantB string `gorm:"type:varchar(64);not null;uniqueIndex:idx_chats_pair,priority:2;index" json:"participantB"`
	CreatorID    string `gorm:"type:varchar(64);not null" json:"creatorId"`
}

// Participants returns both members.
func (c Chat) Participants() [2]string {
	return [2]string{c.ParticipantA, c.ParticipantB}
}

// Other returns the member that is not userID, and false if userID is not a member.
func (c Chat) Other(userID string) (string, bool) {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB, true
	case c.ParticipantB:
		return c.ParticipantA, true
	}
	return "", false
}

// CreateChatRequest is the body of POST /api/chats.
type CreateChatRequest struct {
	PeerID string `json:"peerId" binding:"required"`
}

// ChatResponse describes a chat and who is currently on its signaling channel.
type ChatResponse struct {
	Chat
	Online []string `json:"online"`
}
