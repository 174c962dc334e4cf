package model

import "time"

// Session is the JSON value stored under sessions:{userId}:{sessionId}.
type Session struct {
	SessionID  string    `json:"sessionId"`
	UserID     int64     `json:"userId"`
	DeviceInfo string    `json:"deviceInfo"`
	IPAddress  string    `json:"ipAddress"`
	LoginTime  time.Time `json:"loginTime"`
	ExpiresAt  time.Time `json:"expiresAt"`
	IsActive   bool      `json:"isActive"`
}

func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
