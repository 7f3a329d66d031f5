package models

import "time"

// AuditEntry records the outcome of one authorization attempt.
type AuditEntry struct {
	ID             int64     `json:"id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	APIKey         *string   `json:"api_key"` // nil when no key was presented
	Method         string    `json:"method"`
	Endpoint       string    `json:"endpoint"`
	Status         int       `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	ClientIP       string    `json:"client_ip"`
	UserAgent      string    `json:"user_agent"`
}
