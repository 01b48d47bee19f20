package models

import (
	"strings"
	"time"
)

type User struct {
	ID          int     `json:"id"`
	Email       string  `json:"email"`
	Name        string  `json:"name"`
	Sex         *string `json:"sex,omitempty"`
	Image       *string `json:"image,omitempty"`
	IsTherapist bool    `json:"is_therapist"`
	TherapistID *int    `json:"therapist_id,omitempty"`
}

// Title returns the name with the honorific used in chat headers.
func (u *User) Title() string {
	if u.Sex != nil && strings.EqualFold(*u.Sex, "m") {
		return "Mr. " + u.Name
	}
	return "Ms. " + u.Name
}

// Message is a chat message as assigned by the backend. It is never mutated
// after receipt.
type Message struct {
	ID          int    `json:"id"`
	Content     string `json:"content"`
	SenderID    int    `json:"sender_id"`
	RecipientID int    `json:"recipient_id"`
	Timestamp   string `json:"timestamp"`
}

// OutgoingMessage is the client -> server wire frame.
type OutgoingMessage struct {
	Content     string `json:"content"`
	RecipientID int    `json:"recipient_id"`
}

// Between reports whether the message belongs to the direct conversation of a and b.
func (m Message) Between(a, b int) bool {
	return (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a)
}

// Layouts accepted for server timestamps. Python's isoformat() omits the
// zone for naive datetimes, those are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// SentAt parses the server timestamp. The zero time is returned when the
// value cannot be parsed.
func (m Message) SentAt() time.Time {
	return ParseTimestamp(m.Timestamp)
}

func ParseTimestamp(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
