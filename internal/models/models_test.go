package models

import (
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{name: "rfc3339 utc", input: "2024-05-01T12:30:00Z", want: want},
		{name: "rfc3339 offset", input: "2024-05-01T14:30:00+02:00", want: want},
		{name: "naive isoformat", input: "2024-05-01T12:30:00", want: want},
		{name: "naive with micros", input: "2024-05-01T12:30:00.000000", want: want},
		{name: "space separated", input: "2024-05-01 12:30:00", want: want},
		{name: "empty", input: "", want: time.Time{}},
		{name: "garbage", input: "yesterday", want: time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTimestamp(tt.input)
			if !got.Equal(tt.want) {
				t.Fatalf("ParseTimestamp(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestMessageBetween(t *testing.T) {
	msg := Message{ID: 1, SenderID: 42, RecipientID: 7}

	if !msg.Between(7, 42) {
		t.Error("expected message to belong to {7, 42}")
	}
	if !msg.Between(42, 7) {
		t.Error("expected message to belong to {42, 7}")
	}
	if msg.Between(7, 43) {
		t.Error("message must not belong to {7, 43}")
	}
}

func TestUserTitle(t *testing.T) {
	male := "M"
	female := "f"

	if got := (&User{Name: "Rostam", Sex: &male}).Title(); got != "Mr. Rostam" {
		t.Errorf("Title() = %q", got)
	}
	if got := (&User{Name: "Shirin", Sex: &female}).Title(); got != "Ms. Shirin" {
		t.Errorf("Title() = %q", got)
	}
	if got := (&User{Name: "Sam"}).Title(); got != "Ms. Sam" {
		t.Errorf("Title() = %q", got)
	}
}
