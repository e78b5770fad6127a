package oauthstate

import "time"

// State is a one-time authorization state bound to a PKCE verifier. It is
// mutated exactly once: Consumed flips to true atomically with validation.
type State struct {
	ID        string
	Verifier  string
	IPAddress string
	ExpiresAt time.Time
	Consumed  bool
	CreatedAt time.Time
}
