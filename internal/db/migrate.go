/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/spotlxght/slotrunner/internal/models"
	"gorm.io/gorm"
)

// Migrate applies the schema used by slotrunner using GORM auto-migrate.
// The booking tables are normally owned by the web application; this exists
// for development databases and tests.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		// Booking domain
		&models.User{},
		&models.Event{},
		&models.Timeslot{},
		&models.Application{},

		// Records written by this service
		&models.Notification{},
		&models.SettlementLog{},
		&models.SettlementClaim{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
