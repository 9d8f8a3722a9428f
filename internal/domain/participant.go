package domain

import "time"

// Participant is one connection of a user inside a room.
// No transport or lifecycle logic here.
type Participant struct {
	UserID      UserID      `json:"userId"`
	Username    string      `json:"username"`
	Avatar      string      `json:"avatar,omitempty"`
	TransportID TransportID `json:"transportId"`
	IsMuted     bool        `json:"isMuted"`
	IsVideoOff  bool        `json:"isVideoOff"`
	HandRaised  bool        `json:"handRaised"`
}

// Note is a shared meeting minute. Only the author may edit or delete it.
type Note struct {
	ID        string    `json:"id"`
	AuthorID  UserID    `json:"authorId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
