package session

import "time"

// Session is created only after a successful identity-provider round trip,
// never before. Rotation mints a new id and invalidates the old one; an id is
// never mutated in place and never revived once invalidated.
type Session struct {
	ID             string    `json:"id"`
	EmployeeID     string    `json:"employee_id"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
