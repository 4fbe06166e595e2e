// internal/models/notification.go
package models

import "time"

type NotificationKind string

const (
	NotificationGeneral     NotificationKind = "GENERAL"
	NotificationRecognition NotificationKind = "RECOGNITION"
)

type Recipient struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// Notification is an in-app notice that has already been persisted and is
// handed to the delivery channels after commit.
type Notification struct {
	TenantID   string           `json:"tenantId"`
	Kind       NotificationKind `json:"kind"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	SenderID   string           `json:"senderId"`
	Recipients []Recipient      `json:"recipients"`
	CreatedAt  time.Time        `json:"createdAt"`
}
