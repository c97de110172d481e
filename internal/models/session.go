package models

import "time"

// Session is a web login. LastSeenAt advances on every authenticated call.
type Session struct {
	Token      string    `db:"token" json:"token"`
	UserID     int64     `db:"user_id" json:"user_id"`
	CreatedAt  Timestamp `db:"created_at" json:"created_at"`
	LastSeenAt Timestamp `db:"last_seen_at" json:"last_seen_at"`
}

// IsExpired reports whether the session was idle longer than ttl at now.
func (s *Session) IsExpired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.LastSeenAt.Time) > ttl
}
