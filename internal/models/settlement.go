/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// SettlementStatus is the result of one release attempt.
type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "pending"
	SettlementReleased SettlementStatus = "released"
	SettlementFailed   SettlementStatus = "failed"
)

// SettlementLog records automatic payment release attempts.
type SettlementLog struct {
	ID         string           `gorm:"type:varchar(36);primaryKey" json:"id"`
	TimeslotID string           `gorm:"type:varchar(191);index;not null" json:"timeslot_id"`
	EventID    string           `gorm:"type:varchar(191);index;not null" json:"event_id"`
	UserID     string           `gorm:"type:varchar(191);not null" json:"user_id"`
	Status     SettlementStatus `gorm:"type:varchar(16);not null" json:"status"`
	StatusCode int              `json:"status_code"`
	Error      string           `gorm:"type:text" json:"error,omitempty"`
	Duration   int              `json:"duration_ms"`
	CreatedAt  time.Time        `json:"created_at"`
}

// TableName returns the table name for GORM.
func (SettlementLog) TableName() string {
	return "settlement_logs"
}

// SettlementClaim is the single row per timeslot that serializes release
// attempts. A pending claim is held while the release call is in flight.
type SettlementClaim struct {
	TimeslotID string           `gorm:"type:varchar(191);primaryKey" json:"timeslot_id"`
	EventID    string           `gorm:"type:varchar(191);not null" json:"event_id"`
	Status     SettlementStatus `gorm:"type:varchar(16);not null" json:"status"`
	ClaimedAt  time.Time        `gorm:"not null" json:"claimed_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (SettlementClaim) TableName() string {
	return "settlement_claims"
}
