/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spotlxght/slotrunner/internal/db"
	"github.com/spotlxght/slotrunner/internal/lifecycle"
)

var (
	settleTimeslotID string
	settleEventID    string
	settleEnd        bool
)

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Run settlement for one timeslot",
	Long: `Run the settlement trigger for a single timeslot. Failed releases are not
retried automatically; operators use this command to follow up.

With --end the timeslot is first moved to completed, for slots whose end
transition failed.

Examples:
  slotrunner settle --timeslot ts-123 --event ev-9
  slotrunner settle --timeslot ts-123 --event ev-9 --end
`,
	Args: cobra.NoArgs,
	RunE: runSettle,
}

func init() {
	settleCmd.Flags().StringVar(&settleTimeslotID, "timeslot", "", "Timeslot ID")
	settleCmd.Flags().StringVar(&settleEventID, "event", "", "Event ID")
	settleCmd.Flags().BoolVar(&settleEnd, "end", false, "Apply the end transition before settling")
	_ = settleCmd.MarkFlagRequired("timeslot")
	_ = settleCmd.MarkFlagRequired("event")
	rootCmd.AddCommand(settleCmd)
}

func runSettle(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := initDatabase()
	if err != nil {
		return err
	}
	defer db.Close(database)

	c := wire(database)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if settleEnd {
		res, err := c.engine.UpdateStatus(ctx, settleTimeslotID, lifecycle.KindEnd)
		if err != nil {
			return err
		}
		logger.Info().
			Str("timeslot_id", settleTimeslotID).
			Str("outcome", string(res.Outcome)).
			Msg("end transition applied")
	}

	outcome, err := c.trigger.Settle(ctx, settleTimeslotID, settleEventID)
	fmt.Fprintf(cmd.OutOrStdout(), "timeslot %s: %s\n", settleTimeslotID, outcome)
	return err
}
