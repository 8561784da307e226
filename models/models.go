package models

import "time"

type User struct {
	Username       string
	PasswordHash   string // bcrypt
	PresenceStatus string
}

// Message is one persisted chat line between two users.
type Message struct {
	ID        int64
	From      string
	To        string
	Body      string
	Timestamp time.Time
}
