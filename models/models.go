package models

import "time"

type User struct {
	ID           string
	Username     string
	Email        string
	Phone        string
	PasswordHash string // bcrypt of the client-side digest
	DisplayName  string
	Avatar       string
	Online       bool
	StatusText   string
	LastSeen     time.Time
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

type Conversation struct {
	ID          string
	Title       string
	IsGroup     bool
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastMessage string
}

type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Type           string // "text", "image", "file", "audio", "video"
	MediaURL       string
	FileName       string
	FileSize       int64
	ReplyToID      string
	CreatedAt      time.Time

	// filled from the users table when read back
	SenderName   string
	SenderAvatar string
}

type Contact struct {
	OwnerID     string
	ContactID   string
	Username    string
	DisplayName string
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// ParseCallType accepts "audio" and "video"; anything else is invalid.
func ParseCallType(s string) (CallType, bool) {
	switch CallType(s) {
	case CallAudio, CallVideo:
		return CallType(s), true
	default:
		return "", false
	}
}

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallAnswered  CallStatus = "answered"
	CallEnded     CallStatus = "ended"
	CallRejected  CallStatus = "rejected"
	CallFailed    CallStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallRejected || s == CallFailed
}

type CallRecord struct {
	ID             string
	ConversationID string
	CallerID       string
	ReceiverIDs    []string
	AnsweredBy     string
	Type           CallType
	Status         CallStatus
	StartedAt      time.Time
	AnsweredAt     time.Time
	EndedAt        time.Time
}
