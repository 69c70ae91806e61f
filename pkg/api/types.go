package api

import "time"

// SessionResponse is returned by the checkout and portal endpoints
type SessionResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse summarizes the user's subscription state
type StatusResponse struct {
	Plan              string     `json:"plan"`
	Status            string     `json:"status,omitempty"`
	IsActive          bool       `json:"isActive"`
	EndsAt            *time.Time `json:"endsAt,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	Provisional       bool       `json:"provisional"`
}

// CanCreateResponse answers whether the user may create another legacy note
type CanCreateResponse struct {
	CanCreate bool   `json:"canCreate"`
	Current   int    `json:"current"`
	Limit     int    `json:"limit"` // -1 for unlimited
	Message   string `json:"message,omitempty"`
}
