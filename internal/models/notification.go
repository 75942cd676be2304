/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// NotificationType defines the type of notification.
type NotificationType string

const (
	NotificationTypeTimeslotCompleted NotificationType = "timeslot_completed" // Venue: slot ended, release pending
	NotificationTypeFundsReleased     NotificationType = "funds_released"     // Venue + musician: automatic release done
	NotificationTypeSettlementFailed  NotificationType = "settlement_failed"  // Operators: release call failed
)

// NotificationStatus defines the delivery status.
type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

// Notification stores a notification log entry.
type Notification struct {
	ID               string             `gorm:"type:varchar(36);primaryKey" json:"id"`
	NotificationType NotificationType   `gorm:"type:varchar(64);index:idx_notifications_type;not null" json:"notification_type"`
	Recipients       string             `gorm:"type:text;not null" json:"recipients"` // comma-separated
	Subject          string             `gorm:"type:varchar(255)" json:"subject,omitempty"`
	Body             string             `gorm:"type:text;not null" json:"body"`
	Status           NotificationStatus `gorm:"type:varchar(32);not null;default:'pending';index:idx_notifications_status" json:"status"`
	SentAt           *time.Time         `json:"sent_at,omitempty"`
	Error            string             `gorm:"type:text" json:"error,omitempty"`

	// Reference to related entity (timeslot, event)
	ReferenceType string `gorm:"type:varchar(64)" json:"reference_type,omitempty"`
	ReferenceID   string `gorm:"type:varchar(191)" json:"reference_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for GORM.
func (Notification) TableName() string {
	return "notifications"
}
